// Package retry implements the backoff strategies and error classification
// used when dispatching workflow steps.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

// Policy defaults applied when a definition leaves fields zero.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 60 * time.Second
	DefaultMultiplier = 2.0

	// jitterFraction is the +/- spread applied when a policy enables jitter.
	jitterFraction = 0.1
)

// Class buckets an error for retry purposes.
type Class int

const (
	// ClassRetryable marks transient faults worth another attempt.
	ClassRetryable Class = iota

	// ClassNonRetryable marks permanent logic faults.
	ClassNonRetryable

	// ClassValidation marks malformed config or input; never retried.
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassValidation:
		return "validation"
	default:
		return "non_retryable"
	}
}

// transientVocabulary is matched against unclassified error messages before
// defaulting to non-retryable.
var transientVocabulary = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"temporary",
	"temporarily",
	"rate limit",
	"throttle",
	"busy",
	"unavailable",
	"try again",
}

// Classify buckets an error. Explicit markers win; known transient error
// kinds (timeouts, connection faults, interrupted I/O) are retryable;
// anything else is matched against a transient vocabulary and otherwise
// fails fast as non-retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassNonRetryable
	}

	var validation *api.ValidationError
	if errors.As(err, &validation) {
		return ClassValidation
	}
	var nonRetryable *api.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return ClassNonRetryable
	}
	var retryable *api.RetryableError
	if errors.As(err, &retryable) {
		return ClassRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassRetryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, word := range transientVocabulary {
		if strings.Contains(msg, word) {
			return ClassRetryable
		}
	}
	return ClassNonRetryable
}

// Delay computes the wait before retry number attempt (1-based: attempt 1 is
// the delay after the first failure). Delays are capped at the policy's max
// and never negative; jitter, when enabled, spreads the result +/-10%.
func Delay(p api.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := secondsOrDefault(p.BaseDelaySeconds, DefaultBaseDelay)
	max := secondsOrDefault(p.MaxDelaySeconds, DefaultMaxDelay)
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}

	var d time.Duration
	switch p.Strategy {
	case api.RetryNone:
		return 0
	case api.RetryFixed:
		d = base
	case api.RetryLinear:
		d = time.Duration(float64(base) * float64(attempt))
	case api.RetryExponential:
		d = time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-1)))
	default:
		d = base
	}
	if d > max || d < 0 {
		// A negative duration means the exponential overflowed.
		d = max
	}
	if p.Jitter && d > 0 {
		spread := float64(d) * jitterFraction
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
		if d > max {
			d = max
		}
	}
	return d
}

// Do runs fn up to the policy's attempt budget, sleeping per the backoff
// strategy between attempts. Only errors classified retryable are retried;
// validation and non-retryable errors abort immediately. It returns the
// number of attempts made alongside the final error.
func Do(ctx context.Context, p api.RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if p.Strategy == api.RetryNone && p.MaxAttempts == 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || Classify(err) != ClassRetryable {
			return attempt, err
		}
		if wait := Delay(p, attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
	}
}

func secondsOrDefault(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}
