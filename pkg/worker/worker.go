// Package worker drains the task queue: it starts submitted runs, resumes
// parked ones, and applies queued signals. Running workers in several
// processes against a shared durable queue and store is what carries
// suspended runs across restarts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mkarren/stepflow/internal/engine"
	"github.com/mkarren/stepflow/internal/taskqueue"
	"github.com/mkarren/stepflow/pkg/api"
)

// Worker consumes tasks from a queue and invokes the engine. A single
// worker processes tasks one at a time; run several for parallelism.
type Worker struct {
	engine *engine.Engine
	queue  taskqueue.Queue
	logger *slog.Logger
}

// New creates a worker. If logger is nil, slog.Default() is used.
func New(eng *engine.Engine, queue taskqueue.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: eng, queue: queue, logger: logger}
}

// Run processes tasks until the context is cancelled. Task-level failures
// are logged, not fatal: the loop keeps draining.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("task processing failed", slog.Any("error", err))
		}
	}
}

// ProcessOne blocks for the next task and handles it.
func (w *Worker) ProcessOne(ctx context.Context) error {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	return w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task taskqueue.Task) error {
	w.logger.Info("processing task",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("execution_id", task.ExecutionID),
	)

	switch task.Type {
	case taskqueue.TaskStartRun:
		run, err := w.engine.ExecutePending(ctx, task.ExecutionID)
		if err != nil {
			return fmt.Errorf("start run %s: %w", task.ExecutionID, err)
		}
		w.logRunOutcome(run)
		return nil

	case taskqueue.TaskResumeRun:
		run, err := w.engine.Resume(ctx, task.ExecutionID)
		if errors.Is(err, api.ErrRunNotResumable) {
			// Another worker already resumed it; at-least-once delivery
			// makes this benign.
			w.logger.Info("run already resumed", slog.String("execution_id", task.ExecutionID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("resume run %s: %w", task.ExecutionID, err)
		}
		w.logRunOutcome(run)
		return nil

	case taskqueue.TaskSignal:
		if err := w.engine.Signal(ctx, task.ExecutionID, task.StepID, task.Payload); err != nil {
			if errors.Is(err, api.ErrRunNotResumable) {
				w.logger.Info("signal target no longer waiting", slog.String("execution_id", task.ExecutionID))
				return nil
			}
			return fmt.Errorf("signal run %s: %w", task.ExecutionID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (w *Worker) logRunOutcome(run *api.RunState) {
	if run == nil {
		return
	}
	w.logger.Info("task run finished",
		slog.String("execution_id", run.ExecutionID),
		slog.String("status", string(run.CurrentStatus())),
	)
}

// Pool runs n workers until its context is cancelled.
type Pool struct {
	workers []*Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates n workers sharing the engine and queue. n below 1 is
// raised to 1.
func NewPool(eng *engine.Engine, queue taskqueue.Queue, logger *slog.Logger, n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, New(eng, queue, logger))
	}
	return p
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			_ = w.Run(runCtx)
		}(w)
	}
}

// Stop cancels the workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}
