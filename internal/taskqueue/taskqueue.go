// Package taskqueue provides the durable queue that drives asynchronous
// run starts and the resumption of WAITING runs. Workers dequeue tasks and
// re-invoke the engine with the stored run ID, which is what makes
// suspend/resume survive process restarts.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType discriminates what a worker should do with a task.
type TaskType string

const (
	// TaskStartRun asks a worker to execute a freshly created run.
	TaskStartRun TaskType = "start_run"

	// TaskResumeRun asks a worker to resume a WAITING run.
	TaskResumeRun TaskType = "resume_run"

	// TaskSignal delivers a signal payload to a WAITING run's step and
	// then resumes it.
	TaskSignal TaskType = "signal"
)

// Task is one unit of queued work.
type Task struct {
	ID          string         `json:"id"`
	Type        TaskType       `json:"type"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	NotBefore   time.Time      `json:"not_before,omitempty"`
}

// NewTask stamps a task with an ID and enqueue time.
func NewTask(taskType TaskType) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Due reports whether the task may be handed to a worker at time now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
}

// Queue is a FIFO task queue. Dequeue blocks until a due task is available
// or the context is done.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Dequeue(ctx context.Context) (Task, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
