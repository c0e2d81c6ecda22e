package api

import "context"

// Engine orchestrates run execution: it schedules steps according to the
// workflow's execution pattern, dispatches them through the step registry
// with retry, checkpoints state after every step, and emits stream events.
type Engine interface {
	// RegisterWorkflow validates the definition (unique step IDs, acyclic
	// dependencies, known patterns) and persists it. Registration of a
	// definition with a dependency cycle fails here, never at run time.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

	// Workflow returns a persisted definition.
	Workflow(ctx context.Context, workflowID string) (WorkflowDefinition, error)

	// Execute creates a run for the workflow and drives it until it reaches
	// a terminal status or parks in WAITING. The returned run reflects the
	// state at return time.
	Execute(ctx context.Context, workflowID string, trigger map[string]any) (*RunState, error)

	// Submit creates a run and enqueues it for asynchronous execution by a
	// worker, returning the execution ID immediately.
	Submit(ctx context.Context, workflowID string, trigger map[string]any) (string, error)

	// Resume reloads a WAITING run from persistence and continues it from
	// the step it parked on. Safe to call in a process other than the one
	// that parked the run.
	Resume(ctx context.Context, executionID string) (*RunState, error)

	// Signal delivers a payload to a WAITING run's named step. If the run
	// is blocked in-process the payload unblocks it directly; otherwise it
	// is persisted and a resume task is enqueued.
	Signal(ctx context.Context, executionID, stepID string, payload map[string]any) error

	// Cancel marks a run CANCELLED. The run loop observes the marker
	// between steps; an in-flight step is not interrupted.
	Cancel(ctx context.Context, executionID string) error

	// Run returns the stored state of an execution.
	Run(ctx context.Context, executionID string) (*RunState, error)

	// ListRuns returns stored runs for a workflow, optionally filtered by
	// status ("" means all).
	ListRuns(ctx context.Context, workflowID string, status Status) ([]*RunState, error)
}
