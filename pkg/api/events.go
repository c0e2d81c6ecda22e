package api

import "time"

// Event type names pushed through the stream hub. Consumers treat
// EventRunCompleted, EventRunFailed and EventRunCancelled as terminal.
const (
	EventRunStarted   = "workflow_started"
	EventRunWaiting   = "workflow_waiting"
	EventRunResumed   = "workflow_resumed"
	EventRunCompleted = "workflow_completed"
	EventRunFailed    = "workflow_failed"
	EventRunCancelled = "workflow_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepWaiting   = "step_waiting"

	EventHeartbeat = "heartbeat"
	EventComplete  = "complete"
)

// StreamEvent is a timestamped, typed payload describing a run or step
// transition, delivered to stream subscribers.
type StreamEvent struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewStreamEvent stamps an event with the current UTC time.
func NewStreamEvent(eventType string, run *RunState, data map[string]any) StreamEvent {
	ev := StreamEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if run != nil {
		ev.ExecutionID = run.ExecutionID
		ev.WorkflowID = run.WorkflowID
	}
	return ev
}

// Terminal reports whether the event ends a consumer's render loop.
func (e StreamEvent) Terminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	if s, ok := e.Data["status"].(string); ok {
		switch s {
		case "completed", "failed", "error", string(StatusCompleted), string(StatusFailed), string(StatusCancelled):
			return true
		}
	}
	return false
}
