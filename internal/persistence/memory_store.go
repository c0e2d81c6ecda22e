package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mkarren/stepflow/pkg/api"
)

// MemoryStore is a map-backed Store for tests and single-process use.
// Runs are deep-copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*api.RunState
	workflows map[string]api.WorkflowDefinition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*api.RunState),
		workflows: make(map[string]api.WorkflowDefinition),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *api.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ExecutionID]; exists {
		return fmt.Errorf("run %s already exists", run.ExecutionID)
	}
	s.runs[run.ExecutionID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, executionID string) (*api.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[executionID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", executionID, api.ErrRunNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *api.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ExecutionID]; !ok {
		return fmt.Errorf("update run %s: %w", run.ExecutionID, api.ErrRunNotFound)
	}
	s.runs[run.ExecutionID] = run.Clone()
	return nil
}

func (s *MemoryStore) MergeRunMetadata(ctx context.Context, executionID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[executionID]
	if !ok {
		return fmt.Errorf("merge metadata %s: %w", executionID, api.ErrRunNotFound)
	}
	for k, v := range patch {
		run.SetMetadata(k, v)
	}
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, workflowID string, status api.Status) ([]*api.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.RunState
	for _, run := range s.runs {
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		if status != "" && run.CurrentStatus() != status {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.ID] = def
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[workflowID]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", workflowID, api.ErrWorkflowNotFound)
	}
	return def, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
