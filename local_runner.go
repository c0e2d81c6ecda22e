package stepflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mkarren/stepflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and
// workers draining that queue, providing a simple single-process runner
// for development and tests.
//
// Typical usage:
//
//	runner, _ := stepflow.NewLocalRunner(stepflow.Options{})
//	stepflow.RegisterLocalStep(runner.Engine, "greet", greet)
//	stepflow.NewWorkflow("hello").Step("hi", "greet").
//	    MustRegister(ctx, runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	run, err := runner.Engine.Execute(ctx, "hello", nil)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.Engine.Submit(ctx, "hello", nil)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine *Engine

	logger *slog.Logger

	mu      sync.Mutex
	pool    *worker.Pool
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and queue.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	eng, err := NewInMemoryEngine(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{Engine: eng, logger: logger}, nil
}

// StartWorkers starts 'concurrency' worker goroutines draining the
// runner's queue until Stop is called or ctx is cancelled.
//
// Calling StartWorkers again without Stop returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}

	r.pool = worker.NewPool(r.Engine, r.Engine.Queue(), r.logger, concurrency)
	r.pool.Start(ctx)
	r.running = true
	return nil
}

// Stop cancels the worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	pool := r.pool
	r.pool = nil
	r.running = false
	r.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
}
