package taskqueue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned when an in-memory queue's buffer is exhausted.
var ErrQueueFull = errors.New("task queue full")

// InMemoryQueue is a channel-backed Queue for single-process deployments
// and tests.
type InMemoryQueue struct {
	tasks chan Task
}

// NewInMemoryQueue creates a queue with the given buffer capacity.
// Capacities below 1 default to 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity < 1 {
		capacity = 1024
	}
	return &InMemoryQueue{tasks: make(chan Task, capacity)}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case t := <-q.tasks:
			now := time.Now().UTC()
			if t.Due(now) {
				return t, nil
			}
			// Not due yet: put it back and nap briefly so we don't spin.
			select {
			case q.tasks <- t:
			case <-ctx.Done():
				return Task{}, ctx.Err()
			}
			wait := time.Until(t.NotBefore)
			if wait > 50*time.Millisecond {
				wait = 50 * time.Millisecond
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (q *InMemoryQueue) Len(ctx context.Context) (int, error) {
	return len(q.tasks), nil
}

func (q *InMemoryQueue) Close() error { return nil }

var _ Queue = (*InMemoryQueue)(nil)
