package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mkarren/stepflow/pkg/api"
)

// RedisStore persists runs and workflow definitions in Redis.
//
// Key scheme (prefix defaults to "stepflow:"):
//
//	<prefix>run:<execution_id>      JSON run snapshot
//	<prefix>idx:wf:<workflow_id>    set of execution IDs
//	<prefix>idx:status:<status>     set of execution IDs
//	<prefix>wf:<workflow_id>        JSON workflow definition
//	<prefix>workflows               set of workflow IDs
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix defaults to
// "stepflow:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) runKey(id string) string       { return s.prefix + "run:" + id }
func (s *RedisStore) wfIdxKey(id string) string     { return s.prefix + "idx:wf:" + id }
func (s *RedisStore) statusIdxKey(st string) string { return s.prefix + "idx:status:" + st }
func (s *RedisStore) wfKey(id string) string        { return s.prefix + "wf:" + id }
func (s *RedisStore) wfSetKey() string              { return s.prefix + "workflows" }

func (s *RedisStore) CreateRun(ctx context.Context, run *api.RunState) error {
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	status := string(run.CurrentStatus())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.ExecutionID), snapshot, 0)
	pipe.SAdd(ctx, s.wfIdxKey(run.WorkflowID), run.ExecutionID)
	pipe.SAdd(ctx, s.statusIdxKey(status), run.ExecutionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create run %s: %w", run.ExecutionID, err)
	}
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, executionID string) (*api.RunState, error) {
	data, err := s.client.Get(ctx, s.runKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run %s: %w", executionID, api.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get run %s: %w", executionID, err)
	}
	return DecodeRun(data)
}

func (s *RedisStore) UpdateRun(ctx context.Context, run *api.RunState) error {
	prev, err := s.GetRun(ctx, run.ExecutionID)
	if err != nil {
		return err
	}
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	oldStatus := string(prev.CurrentStatus())
	newStatus := string(run.CurrentStatus())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.ExecutionID), snapshot, 0)
	if oldStatus != newStatus {
		pipe.SRem(ctx, s.statusIdxKey(oldStatus), run.ExecutionID)
		pipe.SAdd(ctx, s.statusIdxKey(newStatus), run.ExecutionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update run %s: %w", run.ExecutionID, err)
	}
	return nil
}

func (s *RedisStore) MergeRunMetadata(ctx context.Context, executionID string, patch map[string]any) error {
	run, err := s.GetRun(ctx, executionID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		run.SetMetadata(k, v)
	}
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.runKey(executionID), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("redis merge metadata %s: %w", executionID, err)
	}
	return nil
}

func (s *RedisStore) ListRuns(ctx context.Context, workflowID string, status api.Status) ([]*api.RunState, error) {
	var ids []string
	var err error
	switch {
	case workflowID != "" && status != "":
		ids, err = s.client.SInter(ctx, s.wfIdxKey(workflowID), s.statusIdxKey(string(status))).Result()
	case workflowID != "":
		ids, err = s.client.SMembers(ctx, s.wfIdxKey(workflowID)).Result()
	case status != "":
		ids, err = s.client.SMembers(ctx, s.statusIdxKey(string(status))).Result()
	default:
		var keys []string
		keys, err = s.client.Keys(ctx, s.prefix+"run:*").Result()
		for _, k := range keys {
			ids = append(ids, k[len(s.prefix+"run:"):])
		}
	}
	if err != nil {
		return nil, fmt.Errorf("redis list runs: %w", err)
	}

	out := make([]*api.RunState, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, api.ErrRunNotFound) {
			continue // index member without a snapshot; skip the stale entry
		}
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *RedisStore) SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	data, err := EncodeWorkflow(def)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.wfKey(def.ID), data, 0)
	pipe.SAdd(ctx, s.wfSetKey(), def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save workflow %s: %w", def.ID, err)
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	data, err := s.client.Get(ctx, s.wfKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", workflowID, api.ErrWorkflowNotFound)
	}
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("redis get workflow %s: %w", workflowID, err)
	}
	return DecodeWorkflow(data)
}

func (s *RedisStore) ListWorkflows(ctx context.Context) ([]api.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.wfSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list workflows: %w", err)
	}
	out := make([]api.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetWorkflow(ctx, id)
		if errors.Is(err, api.ErrWorkflowNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
