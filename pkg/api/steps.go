package api

import "context"

// ExecutionKind selects how a registered step type is dispatched.
type ExecutionKind string

const (
	// KindLocal invokes an in-process StepHandler resolved at registration.
	KindLocal ExecutionKind = "local"

	// KindRPC posts a JSON envelope to a configured endpoint.
	KindRPC ExecutionKind = "rpc"

	// KindAPI is a generic HTTP call with the same envelope as KindRPC.
	KindAPI ExecutionKind = "api"

	// KindGRPC delegates to a named Invoker resolved at call time.
	KindGRPC ExecutionKind = "grpc"
)

// StepHandler is an in-process step implementation. It receives the step's
// definition, the assembled input (trigger data, dependency outputs, static
// parameters, signal payloads) and the owning run.
//
// A handler signals suspension by returning an output map whose "status"
// key equals "waiting"; the engine parks the run and re-invokes the handler
// with the signal payload merged into the input once one arrives. Handlers
// must therefore tolerate being invoked more than once for the same step.
type StepHandler func(ctx context.Context, step StepDefinition, input map[string]any, run *RunState) (map[string]any, error)

// Invoker is a pluggable remote dispatcher for KindGRPC step types,
// registered by name at startup and resolved when the step runs.
type Invoker interface {
	Invoke(ctx context.Context, step StepDefinition, input map[string]any, runContext map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, step StepDefinition, input map[string]any, runContext map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, step StepDefinition, input map[string]any, runContext map[string]any) (map[string]any, error) {
	return f(ctx, step, input, runContext)
}

// StepTypeConfig declares a step type to the registry.
type StepTypeConfig struct {
	// Type is the registry key referenced by StepDefinition.Type.
	Type string

	// Name is a human-readable label.
	Name string

	// Kind selects the dispatch mechanism.
	Kind ExecutionKind

	// Handler is required for KindLocal and resolved eagerly so a missing
	// implementation fails at registration, not mid-run.
	Handler StepHandler

	// Endpoint is the HTTP URL for KindRPC / KindAPI.
	Endpoint string

	// Invoker names the registered Invoker for KindGRPC.
	Invoker string
}
