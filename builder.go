package stepflow

import (
	"context"
	"fmt"

	"github.com/mkarren/stepflow/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflows:
//
//	wf := stepflow.NewWorkflow("order-fulfillment").
//	    Step("reserve", "inventory_reserve").
//	    Step("charge", "payment_charge").After("reserve").
//	    Step("ship", "shipping_dispatch").After("charge").
//	        When("charge.output.status == captured").
//	    Build()
//
//	if err := eng.RegisterWorkflow(ctx, wf); err != nil {
//	    log.Fatal(err)
//	}
type WorkflowBuilder struct {
	def  api.WorkflowDefinition
	last int // index of the step the chained modifiers apply to
}

// NewWorkflow creates a builder for a workflow with the given ID.
func NewWorkflow(id string) *WorkflowBuilder {
	if id == "" {
		panic("stepflow: workflow id must not be empty")
	}
	return &WorkflowBuilder{
		def: api.WorkflowDefinition{
			ID:    id,
			Name:  id,
			Steps: make([]api.StepDefinition, 0),
		},
		last: -1,
	}
}

// Named sets a human-readable workflow name.
func (b *WorkflowBuilder) Named(name string) *WorkflowBuilder {
	b.def.Name = name
	return b
}

// Pattern sets the execution pattern. Unset defaults to dependency_graph.
func (b *WorkflowBuilder) Pattern(p api.ExecutionPattern) *WorkflowBuilder {
	b.def.Pattern = p
	return b
}

// Trigger attaches a trigger configuration for the scheduler.
func (b *WorkflowBuilder) Trigger(t TriggerConfig) *WorkflowBuilder {
	cp := t
	b.def.Trigger = &cp
	return b
}

// EveryInterval attaches an enabled interval trigger firing every
// 'seconds' seconds.
func (b *WorkflowBuilder) EveryInterval(seconds int) *WorkflowBuilder {
	return b.Trigger(TriggerConfig{
		Enabled:         true,
		Mode:            api.TriggerInterval,
		IntervalSeconds: seconds,
	})
}

// Cron attaches an enabled cron trigger with an optional IANA timezone.
// An empty timezone means UTC.
func (b *WorkflowBuilder) Cron(expr, timezone string) *WorkflowBuilder {
	return b.Trigger(TriggerConfig{
		Enabled:  true,
		Mode:     api.TriggerCron,
		Cron:     expr,
		Timezone: timezone,
	})
}

// Timeout bounds the whole run in seconds.
func (b *WorkflowBuilder) Timeout(seconds int) *WorkflowBuilder {
	b.def.TimeoutSeconds = seconds
	return b
}

// GlobalConfig merges key/value pairs into the workflow's global config.
func (b *WorkflowBuilder) GlobalConfig(key string, value any) *WorkflowBuilder {
	if b.def.GlobalConfig == nil {
		b.def.GlobalConfig = make(map[string]any)
	}
	b.def.GlobalConfig[key] = value
	return b
}

// Step appends a step with the given unique ID and registered step type.
// Subsequent chained modifiers (After, When, Retry, ...) apply to it.
func (b *WorkflowBuilder) Step(id, stepType string) *WorkflowBuilder {
	if id == "" {
		panic("stepflow: step id must not be empty")
	}
	if stepType == "" {
		panic(fmt.Sprintf("stepflow: step %q has empty type", id))
	}
	b.def.Steps = append(b.def.Steps, api.StepDefinition{
		ID:    id,
		Type:  stepType,
		Name:  id,
		Order: len(b.def.Steps),
	})
	b.last = len(b.def.Steps) - 1
	return b
}

func (b *WorkflowBuilder) current() *api.StepDefinition {
	if b.last < 0 {
		panic("stepflow: modifier called before any Step")
	}
	return &b.def.Steps[b.last]
}

// After declares dependencies for the current step.
func (b *WorkflowBuilder) After(stepIDs ...string) *WorkflowBuilder {
	s := b.current()
	s.Dependencies = append(s.Dependencies, stepIDs...)
	return b
}

// When gates the current step on a condition expression such as
// "step1.output.count > 10". All When clauses on a step must hold.
func (b *WorkflowBuilder) When(expr string) *WorkflowBuilder {
	s := b.current()
	s.Conditions = append(s.Conditions, api.Condition{Expr: expr})
	return b
}

// WhenCondition gates the current step on a structured condition.
func (b *WorkflowBuilder) WhenCondition(cond Condition) *WorkflowBuilder {
	s := b.current()
	s.Conditions = append(s.Conditions, cond)
	return b
}

// Retry sets the current step's retry policy, typically built with the
// Retry* helpers in this package.
func (b *WorkflowBuilder) Retry(policy RetryPolicy) *WorkflowBuilder {
	b.current().Retry = policy
	return b
}

// StepTimeout bounds one attempt of the current step in seconds.
func (b *WorkflowBuilder) StepTimeout(seconds int) *WorkflowBuilder {
	b.current().TimeoutSeconds = seconds
	return b
}

// NonCritical lets the run continue past a terminal failure of the
// current step. Steps are critical unless marked otherwise.
func (b *WorkflowBuilder) NonCritical() *WorkflowBuilder {
	f := false
	b.current().Critical = &f
	return b
}

// Param adds a static parameter merged into the current step's input.
func (b *WorkflowBuilder) Param(key string, value any) *WorkflowBuilder {
	s := b.current()
	if s.Parameters == nil {
		s.Parameters = make(map[string]any)
	}
	s.Parameters[key] = value
	return b
}

// MapInput maps a dotted context path into the current step's input under
// the given key, e.g. MapInput("count", "step1.output.count").
func (b *WorkflowBuilder) MapInput(key, path string) *WorkflowBuilder {
	s := b.current()
	if s.InputMapping == nil {
		s.InputMapping = make(map[string]string)
	}
	s.InputMapping[key] = path
	return b
}

// Build returns the assembled definition. The builder stays usable.
func (b *WorkflowBuilder) Build() WorkflowDefinition {
	return b.def
}

// Register registers the built workflow with the given engine.
// Validation errors (cycles, duplicate IDs, missing deps) surface here.
func (b *WorkflowBuilder) Register(ctx context.Context, eng *Engine) error {
	return eng.RegisterWorkflow(ctx, b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *WorkflowBuilder) MustRegister(ctx context.Context, eng *Engine) {
	if err := b.Register(ctx, eng); err != nil {
		panic(err)
	}
}
