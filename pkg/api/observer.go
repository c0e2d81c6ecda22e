package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called once when a run leaves PENDING, before the first
	// step is dispatched.
	OnRunStart(ctx context.Context, run *RunState)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run *RunState)

	// OnRunFailed is called when a run transitions to StatusFailed.
	OnRunFailed(ctx context.Context, run *RunState, err error)

	// OnRunWaiting is called when a run parks in StatusWaiting on the
	// named step.
	OnRunWaiting(ctx context.Context, run *RunState, stepID string)

	// OnStepStart is called before each attempt of a step. attempt is
	// 1-based.
	OnStepStart(ctx context.Context, run *RunState, stepID string, attempt int)

	// OnStepCompleted is called after a step reaches a result, for every
	// outcome including failures and skips.
	OnStepCompleted(ctx context.Context, run *RunState, res StepResult, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *RunState)                      {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *RunState)                  {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *RunState, err error)          {}
func (NoopObserver) OnRunWaiting(ctx context.Context, run *RunState, stepID string)     {}
func (NoopObserver) OnStepStart(ctx context.Context, run *RunState, stepID string, attempt int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *RunState, res StepResult, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *RunState) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *RunState) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *RunState, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunWaiting(ctx context.Context, run *RunState, stepID string) {
	for _, o := range c.observers {
		o.OnRunWaiting(ctx, run, stepID)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *RunState, stepID string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *RunState, res StepResult, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, res, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *RunState) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("execution_id", run.ExecutionID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *RunState) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("execution_id", run.ExecutionID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *RunState, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("execution_id", run.ExecutionID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunWaiting(ctx context.Context, run *RunState, stepID string) {
	o.Logger.InfoContext(ctx, "run_waiting",
		slog.String("execution_id", run.ExecutionID),
		slog.String("step_id", stepID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *RunState, stepID string, attempt int) {
	o.Logger.InfoContext(ctx, "step_start",
		slog.String("execution_id", run.ExecutionID),
		slog.String("step_id", stepID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *RunState, res StepResult, d time.Duration) {
	attrs := []any{
		slog.String("execution_id", run.ExecutionID),
		slog.String("step_id", res.StepID),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", d),
	}
	if res.Error != "" {
		attrs = append(attrs, slog.String("error", res.Error))
		o.Logger.WarnContext(ctx, "step_completed", attrs...)
		return
	}
	o.Logger.InfoContext(ctx, "step_completed", attrs...)
}

// BasicMetrics is an Observer that counts run and step outcomes using
// atomic counters. Suitable for tests and lightweight introspection.
type BasicMetrics struct {
	RunsStarted    atomic.Int64
	RunsCompleted  atomic.Int64
	RunsFailed     atomic.Int64
	RunsWaited     atomic.Int64
	StepsStarted   atomic.Int64
	StepsCompleted atomic.Int64
	StepsFailed    atomic.Int64
	StepsSkipped   atomic.Int64
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *RunState) { m.RunsStarted.Add(1) }
func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *RunState) {
	m.RunsCompleted.Add(1)
}
func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *RunState, err error) {
	m.RunsFailed.Add(1)
}
func (m *BasicMetrics) OnRunWaiting(ctx context.Context, run *RunState, stepID string) {
	m.RunsWaited.Add(1)
}
func (m *BasicMetrics) OnStepStart(ctx context.Context, run *RunState, stepID string, attempt int) {
	m.StepsStarted.Add(1)
}
func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *RunState, res StepResult, d time.Duration) {
	switch res.Status {
	case StepCompleted:
		m.StepsCompleted.Add(1)
	case StepFailed:
		m.StepsFailed.Add(1)
	case StepSkipped:
		m.StepsSkipped.Add(1)
	}
}

var (
	_ Observer = NoopObserver{}
	_ Observer = (*CompositeObserver)(nil)
	_ Observer = (*LoggingObserver)(nil)
	_ Observer = (*BasicMetrics)(nil)
)
