// Package registry maps step-type names to handlers and normalizes every
// handler outcome into a uniform StepResult.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

// Registry resolves step types to their dispatch mechanism. Local handlers
// are resolved at registration so missing implementations fail fast; gRPC
// invokers are looked up by name when the step runs, which keeps genuinely
// pluggable handlers late-bound.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]api.StepTypeConfig
	invokers map[string]api.Invoker

	client *http.Client
	logger *slog.Logger
}

// New creates an empty registry. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		types:    make(map[string]api.StepTypeConfig),
		invokers: make(map[string]api.Invoker),
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// SetHTTPClient overrides the client used for rpc/api dispatch.
func (r *Registry) SetHTTPClient(c *http.Client) {
	if c != nil {
		r.client = c
	}
}

// Register validates and stores a step type. Registering the same type
// twice replaces the previous config.
func (r *Registry) Register(cfg api.StepTypeConfig) error {
	if cfg.Type == "" {
		return api.NewValidationError("step type config missing type")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	switch cfg.Kind {
	case api.KindLocal:
		if cfg.Handler == nil {
			return api.NewValidationError("step type %q: local kind requires a handler", cfg.Type)
		}
	case api.KindRPC, api.KindAPI:
		if cfg.Endpoint == "" {
			return api.NewValidationError("step type %q: %s kind requires an endpoint", cfg.Type, cfg.Kind)
		}
	case api.KindGRPC:
		if cfg.Invoker == "" {
			return api.NewValidationError("step type %q: grpc kind requires an invoker name", cfg.Type)
		}
	default:
		return api.NewValidationError("step type %q: unknown execution kind %q", cfg.Type, cfg.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[cfg.Type] = cfg
	return nil
}

// RegisterInvoker stores a named invoker for grpc-kind step types.
func (r *Registry) RegisterInvoker(name string, inv api.Invoker) error {
	if name == "" || inv == nil {
		return api.NewValidationError("invoker registration requires a name and implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[name] = inv
	return nil
}

// Has reports whether a step type is registered.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[stepType]
	return ok
}

// Execute dispatches one step and normalizes the outcome:
//
//   - a raw output whose "status" key is "waiting" becomes a WAITING result,
//   - any other successful output becomes COMPLETED,
//   - a handler error becomes a FAILED result and the error is also
//     returned so the caller can classify and retry it.
//
// Execution time is recorded for every outcome, failures included.
func (r *Registry) Execute(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (api.StepResult, error) {
	start := time.Now()

	r.mu.RLock()
	cfg, ok := r.types[step.Type]
	r.mu.RUnlock()
	if !ok {
		err := &api.StepExecutionError{StepType: step.Type, Err: api.ErrUnknownStepType}
		return failedResult(step.ID, start, err), err
	}

	var (
		raw map[string]any
		err error
	)
	switch cfg.Kind {
	case api.KindLocal:
		raw, err = cfg.Handler(ctx, step, input, run)
	case api.KindRPC, api.KindAPI:
		raw, err = r.dispatchHTTP(ctx, cfg, step, input, run)
	case api.KindGRPC:
		raw, err = r.dispatchInvoker(ctx, cfg, step, input, run)
	default:
		err = &api.StepExecutionError{StepType: step.Type, Err: fmt.Errorf("unknown execution kind %q", cfg.Kind)}
	}
	if err != nil {
		return failedResult(step.ID, start, err), err
	}

	res := api.StepResult{
		StepID:          step.ID,
		Status:          api.StepCompleted,
		Output:          raw,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	if status, ok := raw["status"].(string); ok && status == "waiting" {
		res.Status = api.StepWaiting
	}
	return res, nil
}

func failedResult(stepID string, start time.Time, err error) api.StepResult {
	return api.StepResult{
		StepID:          stepID,
		Status:          api.StepFailed,
		Error:           err.Error(),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

// envelope is the JSON body posted to rpc/api endpoints.
type envelope struct {
	StepConfig       api.StepDefinition `json:"step_config"`
	InputData        map[string]any     `json:"input_data"`
	ExecutionContext map[string]any     `json:"execution_context"`
}

func (r *Registry) dispatchHTTP(ctx context.Context, cfg api.StepTypeConfig, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
	body, err := json.Marshal(envelope{
		StepConfig:       step,
		InputData:        input,
		ExecutionContext: runSummary(run),
	})
	if err != nil {
		return nil, &api.StepExecutionError{StepType: step.Type, Err: fmt.Errorf("encode envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &api.StepExecutionError{StepType: step.Type, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// Transport faults are inherently transient; let the policy retry.
		return nil, api.Retryable(fmt.Errorf("step type %q: %w", step.Type, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, api.Retryable(fmt.Errorf("step type %q: read response: %w", step.Type, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &api.StepExecutionError{
			StepType: step.Type,
			Err:      fmt.Errorf("endpoint %s returned %d: %s", cfg.Endpoint, resp.StatusCode, truncate(payload, 256)),
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, api.Retryable(err)
		}
		return nil, err
	}

	out := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, &api.StepExecutionError{StepType: step.Type, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return out, nil
}

func (r *Registry) dispatchInvoker(ctx context.Context, cfg api.StepTypeConfig, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
	r.mu.RLock()
	inv, ok := r.invokers[cfg.Invoker]
	r.mu.RUnlock()
	if !ok {
		return nil, &api.StepExecutionError{StepType: step.Type, Err: fmt.Errorf("invoker %q not registered", cfg.Invoker)}
	}
	return inv.Invoke(ctx, step, input, runSummary(run))
}

func runSummary(run *api.RunState) map[string]any {
	if run == nil {
		return nil
	}
	return map[string]any{
		"execution_id": run.ExecutionID,
		"workflow_id":  run.WorkflowID,
		"status":       string(run.CurrentStatus()),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
