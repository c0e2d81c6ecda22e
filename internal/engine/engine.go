// Package engine drives runs to completion: it selects the workflow's
// execution pattern, gates steps on dependencies and conditions, dispatches
// them through the registry with retry, checkpoints after every step, and
// emits stream events for every transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mkarren/stepflow/internal/durable"
	"github.com/mkarren/stepflow/internal/persistence"
	"github.com/mkarren/stepflow/internal/registry"
	"github.com/mkarren/stepflow/internal/retry"
	"github.com/mkarren/stepflow/internal/stream"
	"github.com/mkarren/stepflow/internal/taskqueue"
	"github.com/mkarren/stepflow/pkg/api"
)

// Control-flow sentinels for the pattern loops. Both mean "stop scheduling
// this run"; the run's own status carries the outcome.
var (
	errRunParked = errors.New("run parked waiting for signal")
	errRunHalted = errors.New("run reached a terminal status")
)

// Options configures an Engine. Store and Registry are required.
type Options struct {
	Store    persistence.Store
	Registry *registry.Registry

	// Queue enables Submit and cross-process signal resumption. Optional.
	Queue taskqueue.Queue

	Hub      *stream.Hub
	Observer api.Observer
	Logger   *slog.Logger

	// Evaluator gates conditional steps. Defaults to a fail-open evaluator.
	Evaluator *Evaluator

	// BlockOnWaiting makes a WAITING step block in-process on its signal
	// channel (the durable adapter's wait loop) instead of parking the run
	// and returning control to the caller.
	BlockOnWaiting bool

	// SignalWaitTimeout bounds one in-process wait. Zero defaults to an
	// hour.
	SignalWaitTimeout time.Duration
}

// Engine implements api.Engine.
type Engine struct {
	store     persistence.Store
	queue     taskqueue.Queue
	registry  *registry.Registry
	hub       *stream.Hub
	observer  api.Observer
	logger    *slog.Logger
	evaluator *Evaluator

	signals *durable.SignalRegistry
	adapter *durable.Adapter

	blockOnWaiting bool

	mu     sync.Mutex
	active map[string]*api.RunState
}

// New wires an engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine requires a step registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = stream.NewHub(logger)
	}
	observer := opts.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = NewEvaluator(logger)
	}

	signals := durable.NewSignalRegistry()
	adapter := durable.NewAdapter(opts.Store, signals, hub, logger)
	adapter.WaitTimeout = opts.SignalWaitTimeout

	return &Engine{
		store:          opts.Store,
		queue:          opts.Queue,
		registry:       opts.Registry,
		hub:            hub,
		observer:       observer,
		logger:         logger,
		evaluator:      evaluator,
		signals:        signals,
		adapter:        adapter,
		blockOnWaiting: opts.BlockOnWaiting,
		active:         make(map[string]*api.RunState),
	}, nil
}

// Hub exposes the stream hub for subscribers.
func (e *Engine) Hub() *stream.Hub { return e.hub }

// StepRegistry exposes the registry for step-type registration.
func (e *Engine) StepRegistry() *registry.Registry { return e.registry }

// Store exposes the persistence store.
func (e *Engine) Store() persistence.Store { return e.store }

// Queue exposes the task queue, nil when none is configured.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// RegisterWorkflow validates and persists a definition. Cycles and
// malformed steps are rejected here, never at run time.
func (e *Engine) RegisterWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	if err := ValidateWorkflow(def); err != nil {
		return err
	}
	for _, s := range def.Steps {
		if !e.registry.Has(s.Type) {
			e.logger.Warn("workflow references unregistered step type",
				slog.String("workflow_id", def.ID),
				slog.String("step_id", s.ID),
				slog.String("step_type", s.Type),
			)
		}
	}
	return e.store.SaveWorkflow(ctx, def)
}

// Workflow loads a persisted definition.
func (e *Engine) Workflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// Execute creates a run and drives it until terminal or WAITING.
func (e *Engine) Execute(ctx context.Context, workflowID string, trigger map[string]any) (*api.RunState, error) {
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	run := api.NewRun(def, trigger)
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return e.runLoop(ctx, def, run)
}

// Submit creates a run and enqueues it for a worker, returning the
// execution ID immediately.
func (e *Engine) Submit(ctx context.Context, workflowID string, trigger map[string]any) (string, error) {
	if e.queue == nil {
		return "", errors.New("submit requires a task queue")
	}
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	run := api.NewRun(def, trigger)
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	task := taskqueue.NewTask(taskqueue.TaskStartRun)
	task.WorkflowID = workflowID
	task.ExecutionID = run.ExecutionID
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return run.ExecutionID, nil
}

// ExecutePending drives a run that was created but not yet started,
// typically by a worker draining the task queue.
func (e *Engine) ExecutePending(ctx context.Context, executionID string) (*api.RunState, error) {
	run, err := e.store.GetRun(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if run.CurrentStatus() != api.StatusPending {
		return run, fmt.Errorf("run %s is %s, not pending", executionID, run.CurrentStatus())
	}
	def, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	return e.runLoop(ctx, def, run)
}

// Resume reloads a WAITING run and continues it from the step it parked
// on. The parked step is still pending, so the readiness loop re-invokes
// exactly that step; the stored signal payload reaches it through the run's
// I/O data.
func (e *Engine) Resume(ctx context.Context, executionID string) (*api.RunState, error) {
	run, err := e.store.GetRun(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if run.CurrentStatus() != api.StatusWaiting {
		return run, fmt.Errorf("resume %s: %w", executionID, api.ErrRunNotResumable)
	}
	def, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := run.Resume(); err != nil {
		return run, err
	}
	if err := e.checkpoint(ctx, run); err != nil {
		return run, err
	}
	e.hub.Publish(api.NewStreamEvent(api.EventRunResumed, run, map[string]any{
		"step_id": run.CurrentStep,
	}))

	e.track(run)
	defer e.untrack(run)
	return e.drive(ctx, def, run)
}

// Signal delivers a payload to a WAITING run's step. A blocking-mode run
// waits in-process, so its registry channel is resolved directly; in park
// mode nothing drains that channel, so the payload is persisted and
// resumption handed to the queue (or a background resume when no queue
// exists).
func (e *Engine) Signal(ctx context.Context, executionID, stepID string, payload map[string]any) error {
	if e.blockOnWaiting {
		e.mu.Lock()
		_, isActive := e.active[executionID]
		e.mu.Unlock()
		if isActive {
			key := durable.SignalKey(executionID, stepID, durable.DefaultPurpose)
			e.signals.Resolve(key, payload)
			return nil
		}
	}

	run, err := e.store.GetRun(ctx, executionID)
	if err != nil {
		return err
	}
	if run.CurrentStatus() != api.StatusWaiting {
		return fmt.Errorf("signal %s step %s: %w", executionID, stepID, api.ErrRunNotResumable)
	}
	run.ApplySignal(stepID, payload)
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if e.queue != nil {
		task := taskqueue.NewTask(taskqueue.TaskResumeRun)
		task.WorkflowID = run.WorkflowID
		task.ExecutionID = executionID
		task.StepID = stepID
		return e.queue.Enqueue(ctx, task)
	}

	go func() {
		if _, err := e.Resume(context.Background(), executionID); err != nil {
			e.logger.Error("resume after signal failed",
				slog.String("execution_id", executionID),
				slog.Any("error", err),
			)
		}
	}()
	return nil
}

// Cancel marks a run CANCELLED. A live run observes the marker between
// steps; a parked or queued run is cancelled directly in the store.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	run, isActive := e.active[executionID]
	e.mu.Unlock()
	if isActive {
		return run.Cancel()
	}

	stored, err := e.store.GetRun(ctx, executionID)
	if err != nil {
		return err
	}
	if err := stored.Cancel(); err != nil {
		return err
	}
	if err := e.store.UpdateRun(ctx, stored); err != nil {
		return err
	}
	e.hub.Publish(api.NewStreamEvent(api.EventRunCancelled, stored, nil))
	return nil
}

// Run returns the stored state of an execution.
func (e *Engine) Run(ctx context.Context, executionID string) (*api.RunState, error) {
	return e.store.GetRun(ctx, executionID)
}

// ListRuns returns stored runs for a workflow, optionally by status.
func (e *Engine) ListRuns(ctx context.Context, workflowID string, status api.Status) ([]*api.RunState, error) {
	return e.store.ListRuns(ctx, workflowID, status)
}

func (e *Engine) track(run *api.RunState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[run.ExecutionID] = run
}

func (e *Engine) untrack(run *api.RunState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, run.ExecutionID)
}

func (e *Engine) runLoop(ctx context.Context, def api.WorkflowDefinition, run *api.RunState) (*api.RunState, error) {
	e.track(run)
	defer e.untrack(run)

	if err := run.Start(); err != nil {
		return run, err
	}
	if err := e.checkpoint(ctx, run); err != nil {
		return run, err
	}
	e.observer.OnRunStart(ctx, run)
	e.hub.Publish(api.NewStreamEvent(api.EventRunStarted, run, map[string]any{
		"pattern": string(def.EffectivePattern()),
	}))
	return e.drive(ctx, def, run)
}

func (e *Engine) drive(ctx context.Context, def api.WorkflowDefinition, run *api.RunState) (*api.RunState, error) {
	var err error
	switch def.EffectivePattern() {
	case api.PatternSequential:
		err = e.runSequential(ctx, def, run)
	case api.PatternParallel:
		err = e.runReadinessLoop(ctx, def, run, true, false)
	case api.PatternConditional:
		err = e.runReadinessLoop(ctx, def, run, false, true)
	default:
		err = e.runReadinessLoop(ctx, def, run, false, false)
	}

	switch {
	case err == nil:
		if run.CurrentStatus() == api.StatusRunning {
			if run.Done() {
				e.completeRun(ctx, run)
			} else {
				e.failRun(ctx, run, stuckDiagnostic(run))
			}
		}
		return run, nil
	case errors.Is(err, errRunParked), errors.Is(err, errRunHalted):
		return run, nil
	default:
		if st := run.CurrentStatus(); !st.Terminal() && st != api.StatusWaiting {
			e.failRun(ctx, run, err.Error())
		}
		return run, err
	}
}

// runSequential walks steps in Order; a step whose dependencies are unmet
// is skipped rather than failed.
func (e *Engine) runSequential(ctx context.Context, def api.WorkflowDefinition, run *api.RunState) error {
	steps := append([]api.StepDefinition(nil), def.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for _, step := range steps {
		if err := e.checkHalt(ctx, run); err != nil {
			return err
		}
		// A resumed run re-walks the whole list; steps that already
		// reached an outcome must keep it.
		if !run.IsPending(step.ID) {
			continue
		}
		if !run.CanExecute(step.ID) {
			e.skipStep(ctx, run, step.ID, "dependencies not satisfied")
			continue
		}
		if err := e.dispatch(ctx, def, run, step); err != nil {
			return err
		}
	}
	return nil
}

// runReadinessLoop fetches ready steps until none remain. parallel fans
// out each batch concurrently and joins it; conditional gates every step
// on its conditions, marking unmet steps SKIPPED so dependents unblock.
// A loop iteration with pending work but no ready steps fails the run with
// a stuck diagnostic.
func (e *Engine) runReadinessLoop(ctx context.Context, def api.WorkflowDefinition, run *api.RunState, parallel, conditional bool) error {
	for !run.Done() {
		if err := e.checkHalt(ctx, run); err != nil {
			return err
		}

		ready := run.ReadySteps()
		if len(ready) == 0 {
			e.failRun(ctx, run, stuckDiagnostic(run))
			return errRunHalted
		}

		if conditional {
			eligible := ready[:0]
			condCtx := run.ConditionContext()
			for _, id := range ready {
				step, ok := def.Step(id)
				if !ok {
					continue
				}
				if len(step.Conditions) > 0 && !e.evaluator.EvaluateAll(step.Conditions, condCtx) {
					e.skipStep(ctx, run, id, "condition not met")
					continue
				}
				eligible = append(eligible, id)
			}
			if len(eligible) == 0 {
				// Skips may have unblocked new steps; recompute readiness.
				continue
			}
			ready = eligible
		}

		if parallel {
			if err := e.dispatchBatch(ctx, def, run, ready); err != nil {
				return err
			}
			continue
		}

		step, ok := def.Step(ready[0])
		if !ok {
			return fmt.Errorf("run %s references unknown step %q", run.ExecutionID, ready[0])
		}
		if err := e.dispatch(ctx, def, run, step); err != nil {
			return err
		}
	}
	return nil
}

// dispatchBatch fans the batch out concurrently and joins it. Individual
// failures do not cancel siblings: every task in the batch runs to its own
// outcome before control errors surface.
func (e *Engine) dispatchBatch(ctx context.Context, def api.WorkflowDefinition, run *api.RunState, ready []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ready))
	for i, id := range ready {
		step, ok := def.Step(id)
		if !ok {
			errs[i] = fmt.Errorf("run %s references unknown step %q", run.ExecutionID, id)
			continue
		}
		wg.Add(1)
		go func(i int, step api.StepDefinition) {
			defer wg.Done()
			errs[i] = e.dispatch(ctx, def, run, step)
		}(i, step)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// checkHalt observes cooperative cancellation and context expiry between
// steps.
func (e *Engine) checkHalt(ctx context.Context, run *api.RunState) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if run.CurrentStatus() == api.StatusCancelled {
		if err := e.checkpoint(ctx, run); err != nil {
			return err
		}
		e.hub.Publish(api.NewStreamEvent(api.EventRunCancelled, run, nil))
		return errRunHalted
	}
	return nil
}

// dispatch executes one step: assembles its input, runs it through the
// retry policy (and the durable wait loop when blocking mode is on), then
// records the outcome, checkpoints, and emits events.
func (e *Engine) dispatch(ctx context.Context, def api.WorkflowDefinition, run *api.RunState, step api.StepDefinition) error {
	run.SetCurrentStep(step.ID)
	e.hub.Publish(api.NewStreamEvent(api.EventStepStarted, run, map[string]any{
		"step_id":   step.ID,
		"step_type": step.Type,
	}))
	start := time.Now()

	invoke := func(ctx context.Context) (api.StepResult, error) {
		var res api.StepResult
		attempt := 0
		attempts, err := retry.Do(ctx, step.Retry, func(ctx context.Context) error {
			attempt++
			e.observer.OnStepStart(ctx, run, step.ID, attempt)

			// Input is rebuilt per attempt so durable re-entry sees the
			// signal payload that arrived while the run was parked.
			input := e.buildStepInput(run, step)

			stepCtx := ctx
			cancel := func() {}
			if step.TimeoutSeconds > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
			}
			r, err := e.registry.Execute(stepCtx, step, input, run)
			cancel()
			if err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
				err = api.Retryable(fmt.Errorf("step %s timed out after %ds: %w", step.ID, step.TimeoutSeconds, err))
			}
			res = r
			return err
		})
		res.Attempts = attempts
		return res, err
	}

	var (
		res api.StepResult
		err error
	)
	if e.blockOnWaiting {
		res, err = e.adapter.ExecuteStep(ctx, run, step, invoke)
		// A wait deadline or caller cancellation during the signal wait
		// interrupts an already-persisted park; the run stays WAITING and
		// resumable instead of being failed.
		waitInterrupted := errors.Is(err, api.ErrSignalTimeout) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		if err != nil && waitInterrupted && run.CurrentStatus() == api.StatusWaiting {
			e.observer.OnRunWaiting(ctx, run, step.ID)
			return errRunParked
		}
	} else {
		res, err = invoke(ctx)
	}
	duration := time.Since(start)

	switch {
	case err != nil:
		if res.StepID == "" {
			res.StepID = step.ID
		}
		res.Status = api.StepFailed
		if res.Error == "" {
			res.Error = err.Error()
		}
		run.StoreStepResult(res)
		e.observer.OnStepCompleted(ctx, run, res, duration)
		e.hub.Publish(api.NewStreamEvent(api.EventStepFailed, run, map[string]any{
			"step_id":  step.ID,
			"error":    res.Error,
			"attempts": res.Attempts,
		}))
		if cpErr := e.checkpoint(ctx, run); cpErr != nil {
			return cpErr
		}
		if step.IsCritical() {
			e.failRun(ctx, run, fmt.Sprintf("critical step %s failed: %s", step.ID, res.Error))
			return errRunHalted
		}
		e.logger.Warn("non-critical step failed, continuing",
			slog.String("execution_id", run.ExecutionID),
			slog.String("step_id", step.ID),
			slog.String("error", res.Error),
		)
		return nil

	case res.Status == api.StepWaiting:
		// Parking mode: persist the WAITING state and return control.
		if parkErr := e.adapter.Park(ctx, run, step, res); parkErr != nil {
			return parkErr
		}
		e.observer.OnRunWaiting(ctx, run, step.ID)
		return errRunParked

	default:
		run.StoreStepResult(res)
		e.observer.OnStepCompleted(ctx, run, res, duration)
		if cpErr := e.checkpoint(ctx, run); cpErr != nil {
			return cpErr
		}
		e.hub.Publish(api.NewStreamEvent(api.EventStepCompleted, run, map[string]any{
			"step_id":  step.ID,
			"attempts": res.Attempts,
		}))
		return nil
	}
}

// buildStepInput assembles a step's input: the trigger payload, each
// dependency's output under "step_<id>", static parameters, mapped context
// paths, and any signal payload delivered for this step.
func (e *Engine) buildStepInput(run *api.RunState, step api.StepDefinition) map[string]any {
	input := make(map[string]any)
	if trig, ok := run.IOData("trigger"); ok {
		if m, ok := trig.(map[string]any); ok {
			for k, v := range m {
				input[k] = v
			}
		}
	}
	for _, dep := range step.Dependencies {
		if out, ok := run.IOData(dep); ok {
			input["step_"+dep] = out
		}
	}
	for k, v := range step.Parameters {
		input[k] = v
	}
	if len(step.InputMapping) > 0 {
		condCtx := run.ConditionContext()
		for key, path := range step.InputMapping {
			input[key] = resolvePath(path, condCtx)
		}
	}
	if sig, ok := run.SignalPayload(step.ID); ok {
		input["signal"] = sig
	}
	return input
}

func (e *Engine) skipStep(ctx context.Context, run *api.RunState, stepID, reason string) {
	run.SkipStep(stepID, reason)
	res, _ := run.Result(stepID)
	e.observer.OnStepCompleted(ctx, run, res, 0)
	e.hub.Publish(api.NewStreamEvent(api.EventStepSkipped, run, map[string]any{
		"step_id": stepID,
		"reason":  reason,
	}))
	if err := e.checkpoint(ctx, run); err != nil {
		e.logger.Error("checkpoint after skip failed",
			slog.String("execution_id", run.ExecutionID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) completeRun(ctx context.Context, run *api.RunState) {
	if err := run.Complete(); err != nil {
		return
	}
	if err := e.checkpoint(ctx, run); err != nil {
		e.logger.Error("final checkpoint failed",
			slog.String("execution_id", run.ExecutionID),
			slog.Any("error", err),
		)
	}
	e.observer.OnRunCompleted(ctx, run)
	e.hub.Publish(api.NewStreamEvent(api.EventRunCompleted, run, map[string]any{
		"status": string(api.StatusCompleted),
	}))
}

func (e *Engine) failRun(ctx context.Context, run *api.RunState, reason string) {
	if err := run.Fail(reason); err != nil {
		return // already terminal
	}
	if err := e.checkpoint(ctx, run); err != nil {
		e.logger.Error("final checkpoint failed",
			slog.String("execution_id", run.ExecutionID),
			slog.Any("error", err),
		)
	}
	e.observer.OnRunFailed(ctx, run, errors.New(reason))
	e.hub.Publish(api.NewStreamEvent(api.EventRunFailed, run, map[string]any{
		"status": string(api.StatusFailed),
		"error":  reason,
	}))
}

// checkpoint writes the run snapshot through the store. Each write is a
// short-lived store operation; nothing is held while a run is parked.
func (e *Engine) checkpoint(ctx context.Context, run *api.RunState) error {
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("checkpoint run %s: %w", run.ExecutionID, err)
	}
	return nil
}

var _ api.Engine = (*Engine)(nil)
