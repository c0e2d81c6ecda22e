package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final and irreversible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepState is the outcome state of one step dispatch.
type StepState string

const (
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
	StepWaiting   StepState = "WAITING"
	StepSkipped   StepState = "SKIPPED"
)

// StepResult is the normalized outcome of one step dispatch.
type StepResult struct {
	StepID          string         `json:"step_id"`
	Status          StepState      `json:"status"`
	Output          map[string]any `json:"output_data,omitempty"`
	Error           string         `json:"error_message,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Attempts        int            `json:"attempts,omitempty"`
}

// RunState is the per-execution mutable record: status, per-step results,
// accumulated I/O data and the pending/completed/failed/skipped bookkeeping
// the scheduler gates on. It performs no I/O of its own; callers persist
// snapshots at the checkpoints they care about.
//
// All mutating and reading methods are safe for concurrent use, which the
// parallel pattern relies on when sibling steps report results.
type RunState struct {
	mu sync.RWMutex

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Status      Status `json:"status"`

	StepResults map[string]StepResult `json:"step_results"`

	// StepIOData accumulates step outputs and injected payloads keyed by
	// step ID or a logical alias such as "trigger" or "<step>.signal".
	StepIOData map[string]any `json:"step_io_data"`

	Pending   map[string]bool `json:"pending"`
	Completed map[string]bool `json:"completed"`
	Failed    map[string]bool `json:"failed"`
	Skipped   map[string]bool `json:"skipped"`

	// Dependencies is a copy of the definition's edges so a reloaded
	// snapshot can recompute readiness without the definition in hand.
	Dependencies map[string][]string `json:"dependencies"`

	CurrentStep string         `json:"current_step,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates a PENDING run for the given definition. The trigger payload
// is stored under the "trigger" I/O key and becomes visible to every step.
func NewRun(def WorkflowDefinition, trigger map[string]any) *RunState {
	r := &RunState{
		ExecutionID:  uuid.NewString(),
		WorkflowID:   def.ID,
		Status:       StatusPending,
		StepResults:  make(map[string]StepResult),
		StepIOData:   make(map[string]any),
		Pending:      make(map[string]bool, len(def.Steps)),
		Completed:    make(map[string]bool),
		Failed:       make(map[string]bool),
		Skipped:      make(map[string]bool),
		Dependencies: def.DependencyMap(),
		Metadata:     make(map[string]any),
		CreatedAt:    time.Now().UTC(),
	}
	for _, s := range def.Steps {
		r.Pending[s.ID] = true
	}
	if trigger != nil {
		r.StepIOData["trigger"] = trigger
	}
	return r
}

// Start transitions PENDING -> RUNNING and stamps StartedAt.
func (r *RunState) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != StatusPending {
		return fmt.Errorf("cannot start run %s from status %s", r.ExecutionID, r.Status)
	}
	now := time.Now().UTC()
	r.Status = StatusRunning
	r.StartedAt = &now
	return nil
}

// Resume transitions WAITING -> RUNNING. This is the only backwards
// transition the state machine permits.
func (r *RunState) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != StatusWaiting {
		return fmt.Errorf("cannot resume run %s from status %s", r.ExecutionID, r.Status)
	}
	r.Status = StatusRunning
	return nil
}

// Complete transitions the run to COMPLETED and stamps CompletedAt.
func (r *RunState) Complete() error {
	return r.finish(StatusCompleted, "")
}

// Fail transitions the run to FAILED, recording the reason.
func (r *RunState) Fail(reason string) error {
	return r.finish(StatusFailed, reason)
}

// Cancel marks the run CANCELLED. The run loop observes the marker between
// steps; an in-flight step is never interrupted.
func (r *RunState) Cancel() error {
	return r.finish(StatusCancelled, "cancelled")
}

func (r *RunState) finish(status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.Terminal() {
		return fmt.Errorf("run %s already terminal (%s)", r.ExecutionID, r.Status)
	}
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	if reason != "" {
		r.Error = reason
	}
	return nil
}

// MarkWaiting records that the named step suspended and the run is parked
// until an external signal arrives.
func (r *RunState) MarkWaiting(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusWaiting
	r.CurrentStep = stepID
}

// SetCurrentStep records the step the engine is about to dispatch.
func (r *RunState) SetCurrentStep(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CurrentStep = id
}

// SkipStep marks the step SKIPPED. Skipped steps satisfy downstream
// dependencies but contribute no output.
func (r *RunState) SkipStep(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Pending, id)
	r.Skipped[id] = true
	r.StepResults[id] = StepResult{StepID: id, Status: StepSkipped, Error: reason}
}

// StoreStepResult records a step outcome and updates the scheduling sets.
// A WAITING result leaves the step pending so resumption re-invokes it.
func (r *RunState) StoreStepResult(res StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StepResults[res.StepID] = res
	switch res.Status {
	case StepCompleted:
		delete(r.Pending, res.StepID)
		r.Completed[res.StepID] = true
		if res.Output != nil {
			r.StepIOData[res.StepID] = res.Output
		}
	case StepFailed:
		delete(r.Pending, res.StepID)
		r.Failed[res.StepID] = true
	case StepSkipped:
		delete(r.Pending, res.StepID)
		r.Skipped[res.StepID] = true
	case StepWaiting:
		// Stays pending: the same step must run again after a signal.
		if res.Output != nil {
			r.StepIOData[res.StepID+".waiting"] = res.Output
		}
	}
}

// ReadySteps returns the pending steps whose dependencies are all in
// COMPLETED or SKIPPED, sorted for deterministic scheduling.
func (r *RunState) ReadySteps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ready []string
	for id := range r.Pending {
		if r.depsSatisfied(id) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// IsPending reports whether the step has not yet reached an outcome.
func (r *RunState) IsPending(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Pending[id]
}

// CanExecute reports whether the step is pending with all dependencies met.
func (r *RunState) CanExecute(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Pending[id] && r.depsSatisfied(id)
}

func (r *RunState) depsSatisfied(id string) bool {
	for _, dep := range r.Dependencies[id] {
		if !r.Completed[dep] && !r.Skipped[dep] {
			return false
		}
	}
	return true
}

// Done reports whether no pending steps remain.
func (r *RunState) Done() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Pending) == 0
}

// PendingSteps returns the IDs still pending, sorted.
func (r *RunState) PendingSteps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.Pending))
	for id := range r.Pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Result returns the recorded result for a step, if any.
func (r *RunState) Result(id string) (StepResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.StepResults[id]
	return res, ok
}

// CurrentStatus returns the run status under the read lock.
func (r *RunState) CurrentStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// ApplySignal stores a signal payload under "<step>.signal" so the step
// sees it on re-entry. Applying the same payload twice is harmless.
func (r *RunState) ApplySignal(stepID string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StepIOData[stepID+".signal"] = payload
}

// SignalPayload returns the stored signal payload for a step, if present.
func (r *RunState) SignalPayload(stepID string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.StepIOData[stepID+".signal"]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// SetMetadata merges a single key into the metadata map.
func (r *RunState) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// MetadataValue returns a metadata entry, if present.
func (r *RunState) MetadataValue(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.Metadata[key]
	return v, ok
}

// IOData returns the payload stored under an I/O key, if present.
func (r *RunState) IOData(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.StepIOData[key]
	return v, ok
}

// SetIOData stores a payload under an I/O key.
func (r *RunState) SetIOData(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StepIOData[key] = value
}

// ConditionContext builds the variable-resolution context used by branch
// conditions and input mappings: the trigger payload plus, per executed
// step, its output and status.
func (r *RunState) ConditionContext() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx := make(map[string]any, len(r.StepResults)+2)
	if trig, ok := r.StepIOData["trigger"]; ok {
		ctx["trigger"] = trig
	}
	for id, res := range r.StepResults {
		ctx[id] = map[string]any{
			"output": res.Output,
			"status": string(res.Status),
		}
	}
	ctx["execution_id"] = r.ExecutionID
	ctx["workflow_id"] = r.WorkflowID
	return ctx
}

// Snapshot serializes the full run state to JSON. The snapshot plus a
// matching signal payload is sufficient to resume a WAITING run in a fresh
// process.
func (r *RunState) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r)
}

// LoadRun rebuilds a run from a snapshot produced by Snapshot.
func LoadRun(data []byte) (*RunState, error) {
	r := &RunState{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode run snapshot: %w", err)
	}
	if r.StepResults == nil {
		r.StepResults = make(map[string]StepResult)
	}
	if r.StepIOData == nil {
		r.StepIOData = make(map[string]any)
	}
	if r.Pending == nil {
		r.Pending = make(map[string]bool)
	}
	if r.Completed == nil {
		r.Completed = make(map[string]bool)
	}
	if r.Failed == nil {
		r.Failed = make(map[string]bool)
	}
	if r.Skipped == nil {
		r.Skipped = make(map[string]bool)
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	return r, nil
}

// Clone returns a deep copy, used by in-memory stores to isolate callers.
func (r *RunState) Clone() *RunState {
	data, err := r.Snapshot()
	if err != nil {
		// Snapshot only fails on unmarshalable payloads, which the engine
		// never produces; surface loudly rather than corrupt state.
		panic(fmt.Sprintf("clone run %s: %v", r.ExecutionID, err))
	}
	cp, err := LoadRun(data)
	if err != nil {
		panic(fmt.Sprintf("clone run %s: %v", r.ExecutionID, err))
	}
	return cp
}
