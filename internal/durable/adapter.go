package durable

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarren/stepflow/internal/persistence"
	"github.com/mkarren/stepflow/internal/stream"
	"github.com/mkarren/stepflow/pkg/api"
)

// Metadata keys the adapter records on runs it manages. External processes
// use MetaDurableRunID to locate a parked run and resolve its signal.
const (
	MetaDurableRunID = "durable_run_id"
	MetaWaitingStep  = "durable_waiting_step"
	MetaWaitingSince = "durable_waiting_since"
)

// Adapter wraps per-step execution so a WAITING result parks the run
// durably instead of failing it: the WAITING status plus a durable-run
// identifier are persisted first, then the adapter blocks on the step's
// signal channel and re-invokes the same step when a payload arrives.
//
// Re-entry is at-least-once: a crash between "persist WAITING" and the
// re-invocation loses nothing because the persisted snapshot plus the
// signal payload reproduce the exact re-entry a live process would have
// performed.
type Adapter struct {
	store   persistence.Store
	signals *SignalRegistry
	hub     *stream.Hub
	logger  *slog.Logger

	// WaitTimeout bounds one park. Zero defaults to an hour; the registry
	// internally retries bounded receives until it elapses.
	WaitTimeout time.Duration
}

// NewAdapter wires the adapter to the checkpoint store, the signal
// registry and the stream hub.
func NewAdapter(store persistence.Store, signals *SignalRegistry, hub *stream.Hub, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{store: store, signals: signals, hub: hub, logger: logger}
}

// Signals exposes the registry so the engine can resolve in-process waits.
func (a *Adapter) Signals() *SignalRegistry { return a.signals }

// EnsureRunID returns the run's durable identifier, minting and persisting
// one on first use. The identifier is the sole recovery anchor after a
// crash, so it is written through to the store before being returned.
func (a *Adapter) EnsureRunID(ctx context.Context, run *api.RunState) (string, error) {
	if v, ok := run.MetadataValue(MetaDurableRunID); ok {
		if id, ok := v.(string); ok && id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	run.SetMetadata(MetaDurableRunID, id)
	if err := a.store.MergeRunMetadata(ctx, run.ExecutionID, map[string]any{MetaDurableRunID: id}); err != nil {
		return "", err
	}
	return id, nil
}

// ExecuteStep invokes the step once and, while it keeps reporting WAITING,
// parks the run and re-invokes the same step after each signal. The invoke
// callback sees the signal payload through the run's I/O data, so calling
// it again with the same stored state is idempotent.
func (a *Adapter) ExecuteStep(
	ctx context.Context,
	run *api.RunState,
	step api.StepDefinition,
	invoke func(ctx context.Context) (api.StepResult, error),
) (api.StepResult, error) {
	durableID, err := a.EnsureRunID(ctx, run)
	if err != nil {
		return api.StepResult{}, err
	}

	res, err := invoke(ctx)
	for err == nil && res.Status == api.StepWaiting {
		if parkErr := a.park(ctx, run, step, durableID, res); parkErr != nil {
			return res, parkErr
		}

		payload, waitErr := a.signals.Wait(ctx, SignalKey(run.ExecutionID, step.ID, DefaultPurpose), a.WaitTimeout)
		if waitErr != nil {
			return res, waitErr
		}

		if resumeErr := a.resume(ctx, run, step, payload); resumeErr != nil {
			return res, resumeErr
		}
		res, err = invoke(ctx)
	}
	return res, err
}

// Park persists a WAITING result without blocking: the engine uses it when
// it returns control to the caller instead of waiting in-process. The run
// can then be resumed by any process holding its execution ID.
func (a *Adapter) Park(ctx context.Context, run *api.RunState, step api.StepDefinition, res api.StepResult) error {
	durableID, err := a.EnsureRunID(ctx, run)
	if err != nil {
		return err
	}
	return a.park(ctx, run, step, durableID, res)
}

func (a *Adapter) park(ctx context.Context, run *api.RunState, step api.StepDefinition, durableID string, res api.StepResult) error {
	run.StoreStepResult(res)
	run.MarkWaiting(step.ID)
	run.SetMetadata(MetaWaitingStep, step.ID)
	run.SetMetadata(MetaWaitingSince, time.Now().UTC().Format(time.RFC3339))

	// Persisting before blocking is what makes the park crash-safe.
	if err := a.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	a.logger.Info("run parked on signal",
		slog.String("execution_id", run.ExecutionID),
		slog.String("step_id", step.ID),
		slog.String(MetaDurableRunID, durableID),
	)
	a.hub.Publish(api.NewStreamEvent(api.EventStepWaiting, run, map[string]any{
		"step_id":        step.ID,
		MetaDurableRunID: durableID,
	}))
	a.hub.Publish(api.NewStreamEvent(api.EventRunWaiting, run, map[string]any{
		"step_id":        step.ID,
		MetaDurableRunID: durableID,
	}))
	return nil
}

func (a *Adapter) resume(ctx context.Context, run *api.RunState, step api.StepDefinition, payload map[string]any) error {
	run.ApplySignal(step.ID, payload)
	if err := run.Resume(); err != nil {
		return err
	}
	if err := a.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	a.hub.Publish(api.NewStreamEvent(api.EventRunResumed, run, map[string]any{
		"step_id": step.ID,
	}))
	return nil
}
