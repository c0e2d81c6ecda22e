package stepflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mkarren/stepflow/pkg/worker"
)

// Bundle wires together a durable Engine and a worker pool that consumes
// its task queue, so submitted runs and queued resumptions are processed
// in this process.
type Bundle struct {
	Engine *Engine

	logger  *slog.Logger
	workers int

	mu   sync.Mutex
	pool *worker.Pool
}

// NewSQLiteBundle constructs a durable Engine + queue + worker combo
// sharing the same SQLite database file. Runs, workflow definitions, and
// queued tasks all survive a restart; starting the bundle again resumes
// whatever the queue still holds.
//
// Typical usage:
//
//	bundle, err := stepflow.NewSQLiteBundle("stepflow.db", 2, stepflow.Options{})
//	// register step types and workflows on bundle.Engine
//	bundle.Start(ctx)
//	defer bundle.Stop()
func NewSQLiteBundle(path string, workers int, opts Options) (*Bundle, error) {
	eng, err := NewSQLiteEngine(path, opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundle{Engine: eng, logger: logger, workers: workers}, nil
}

// Start launches the bundle's worker pool. Calling Start on a started
// bundle is a no-op.
func (b *Bundle) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		return
	}
	b.pool = worker.NewPool(b.Engine, b.Engine.Queue(), b.logger, b.workers)
	b.pool.Start(ctx)
}

// Stop halts the worker pool and waits for in-flight tasks to finish.
func (b *Bundle) Stop() {
	b.mu.Lock()
	pool := b.pool
	b.pool = nil
	b.mu.Unlock()
	if pool != nil {
		pool.Stop()
	}
}
