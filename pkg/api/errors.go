package api

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when a workflow ID is not registered
	// or persisted.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound is returned when an execution ID has no stored run.
	ErrRunNotFound = errors.New("run not found")

	// ErrUnknownStepType is returned when a step names a type the registry
	// has never seen.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrSignalTimeout is returned when a WAITING step's bounded signal
	// wait elapses without a payload.
	ErrSignalTimeout = errors.New("timed out waiting for signal")

	// ErrRunNotResumable is returned when Resume is called on a run that
	// is not WAITING.
	ErrRunNotResumable = errors.New("run is not waiting")
)

// ValidationError marks malformed definitions or step configs. It is never
// retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RetryableError wraps a transient failure that the retry policy may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// NonRetryableError wraps a permanent failure; the retry policy aborts
// immediately on it.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable marks err as permanent. A nil err returns nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// StepExecutionError is a registry dispatch fault: an unresolvable handler,
// a bad endpoint, or a non-2xx remote response.
type StepExecutionError struct {
	StepType string
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step type %q: %v", e.StepType, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
