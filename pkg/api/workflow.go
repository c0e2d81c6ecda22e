package api

import "strings"

// ExecutionPattern selects the scheduling algorithm the engine uses to
// drive a run through its steps.
type ExecutionPattern string

const (
	// PatternSequential executes steps one at a time in StepDefinition.Order,
	// skipping steps whose dependencies are unmet.
	PatternSequential ExecutionPattern = "sequential"

	// PatternParallel repeatedly fans out every ready step concurrently and
	// joins the batch before recomputing readiness.
	PatternParallel ExecutionPattern = "parallel"

	// PatternConditional behaves like PatternGraph but gates every step on
	// its conditions; unmet conditions mark the step SKIPPED.
	PatternConditional ExecutionPattern = "conditional"

	// PatternGraph walks the dependency graph one ready step at a time.
	// This is the default when a definition names no pattern.
	PatternGraph ExecutionPattern = "dependency_graph"
)

// TriggerMode selects how a scheduled workflow computes due-ness.
type TriggerMode string

const (
	TriggerInterval TriggerMode = "interval"
	TriggerCron     TriggerMode = "cron"
)

// TriggerConfig describes an automatic trigger for a workflow. Disabled
// triggers are ignored by the scheduler.
type TriggerConfig struct {
	Enabled         bool        `json:"enabled" yaml:"enabled"`
	Mode            TriggerMode `json:"mode" yaml:"mode"`
	IntervalSeconds int         `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
	Cron            string      `json:"cron,omitempty" yaml:"cron,omitempty"`
	Timezone        string      `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	JitterSeconds   int         `json:"jitter_seconds,omitempty" yaml:"jitter_seconds,omitempty"`
}

// RetryStrategy names a backoff curve for retrying a failed step.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed_delay"
	RetryLinear      RetryStrategy = "linear_backoff"
	RetryExponential RetryStrategy = "exponential_backoff"
)

// RetryPolicy controls how many times a step is attempted and how long the
// engine waits between attempts. Delays are expressed in seconds so that
// policies round-trip cleanly through JSON and YAML definitions.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero means one attempt, i.e. no retries.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	Strategy RetryStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// BaseDelaySeconds is the delay before the first retry. Defaults to 1s.
	BaseDelaySeconds float64 `json:"base_delay_seconds,omitempty" yaml:"base_delay_seconds,omitempty"`

	// MaxDelaySeconds caps every computed delay. Defaults to 60s.
	MaxDelaySeconds float64 `json:"max_delay_seconds,omitempty" yaml:"max_delay_seconds,omitempty"`

	// Multiplier is the exponential growth factor. Defaults to 2.0.
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`

	// Jitter adds a random +/-10% spread to each delay when true.
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Condition is a boolean predicate over the run context used to gate
// conditional steps. Exactly one form should be populated:
//
//   - Expr: a parseable string such as "step1.output.count > 10".
//   - Field/Operator/Value: a structured single comparison.
//   - Logic/Conditions: a nested combination ("and", "or", "not").
type Condition struct {
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`

	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`

	Logic      string      `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// StepDefinition describes one unit of work within a workflow.
type StepDefinition struct {
	// ID must be unique within the owning workflow.
	ID string `json:"step_id" yaml:"step_id"`

	// Type is the registry key the handler was registered under.
	Type string `json:"step_type" yaml:"step_type"`

	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Dependencies lists step IDs that must be COMPLETED or SKIPPED before
	// this step becomes ready.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Order positions the step within the sequential pattern.
	Order int `json:"step_order,omitempty" yaml:"step_order,omitempty"`

	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Conditions gate execution under the conditional pattern. All listed
	// conditions must hold (implicit AND) or the step is skipped.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// TimeoutSeconds bounds a single attempt of this step. Zero disables
	// the per-step timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Critical marks whether a terminal failure of this step fails the
	// whole run. Nil means true.
	Critical *bool `json:"critical,omitempty" yaml:"critical,omitempty"`

	// Parameters is static configuration merged into the step input.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// InputMapping renames dotted context paths into input keys, e.g.
	// {"count": "step1.output.count"}.
	InputMapping map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
}

// IsCritical reports whether a terminal failure of the step fails the run.
func (s StepDefinition) IsCritical() bool {
	return s.Critical == nil || *s.Critical
}

// WorkflowDefinition is the declarative description of one workflow: its
// steps, how they are scheduled, and how runs of it are triggered.
type WorkflowDefinition struct {
	ID             string           `json:"id" yaml:"id"`
	Name           string           `json:"name,omitempty" yaml:"name,omitempty"`
	Pattern        ExecutionPattern `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Steps          []StepDefinition `json:"steps" yaml:"steps"`
	GlobalConfig   map[string]any   `json:"global_config,omitempty" yaml:"global_config,omitempty"`
	Trigger        *TriggerConfig   `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// EffectivePattern resolves the definition's pattern, defaulting to
// PatternGraph when unset or unknown.
func (w WorkflowDefinition) EffectivePattern() ExecutionPattern {
	switch ExecutionPattern(strings.ToLower(string(w.Pattern))) {
	case PatternSequential:
		return PatternSequential
	case PatternParallel:
		return PatternParallel
	case PatternConditional:
		return PatternConditional
	default:
		return PatternGraph
	}
}

// Step returns the step with the given ID, or false when absent.
func (w WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// DependencyMap returns stepID -> dependency IDs for every step.
func (w WorkflowDefinition) DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		deps[s.ID] = append([]string(nil), s.Dependencies...)
	}
	return deps
}
