// Package persistence defines the storage contract the engine checkpoints
// through, plus in-memory, SQLite, Postgres, Redis and MongoDB
// implementations.
//
// The engine opens short-lived store operations per checkpoint write rather
// than holding a connection for a run's lifetime, because a WAITING run may
// be parked for an unbounded period.
package persistence

import (
	"context"

	"github.com/mkarren/stepflow/pkg/api"
)

// Store persists workflow definitions and run snapshots.
//
// Implementations must treat MergeRunMetadata as a merge, never an
// overwrite: callers rely on adding keys such as "durable_run_id" without
// clobbering metadata written by others.
type Store interface {
	// CreateRun stores a new run snapshot.
	CreateRun(ctx context.Context, run *api.RunState) error

	// GetRun loads a run by execution ID. Returns api.ErrRunNotFound when
	// absent.
	GetRun(ctx context.Context, executionID string) (*api.RunState, error)

	// UpdateRun replaces the stored snapshot for an existing run.
	UpdateRun(ctx context.Context, run *api.RunState) error

	// MergeRunMetadata merges the patch into the stored run's metadata map.
	MergeRunMetadata(ctx context.Context, executionID string, patch map[string]any) error

	// ListRuns returns runs for a workflow, newest first, optionally
	// filtered by status ("" means all). An empty workflowID matches all
	// workflows.
	ListRuns(ctx context.Context, workflowID string, status api.Status) ([]*api.RunState, error)

	// SaveWorkflow upserts a workflow definition.
	SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error

	// GetWorkflow loads a definition. Returns api.ErrWorkflowNotFound when
	// absent.
	GetWorkflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error)

	// ListWorkflows returns every stored definition.
	ListWorkflows(ctx context.Context) ([]api.WorkflowDefinition, error)

	// Close releases the store's resources.
	Close() error
}
