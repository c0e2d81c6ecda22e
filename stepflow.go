package stepflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mkarren/stepflow/internal/engine"
	"github.com/mkarren/stepflow/internal/persistence"
	"github.com/mkarren/stepflow/internal/registry"
	"github.com/mkarren/stepflow/internal/scheduler"
	"github.com/mkarren/stepflow/internal/stream"
	"github.com/mkarren/stepflow/internal/taskqueue"
	"github.com/mkarren/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = engine.Engine
	WorkflowDefinition = api.WorkflowDefinition
	StepDefinition     = api.StepDefinition
	TriggerConfig      = api.TriggerConfig
	Condition          = api.Condition
	RetryPolicy        = api.RetryPolicy
	RunState           = api.RunState
	StepResult         = api.StepResult
	Status             = api.Status
	StreamEvent        = api.StreamEvent
	StepHandler        = api.StepHandler
	StepTypeConfig     = api.StepTypeConfig
	Invoker            = api.Invoker
	InvokerFunc        = api.InvokerFunc
	Observer           = api.Observer
	LoggingObserver    = api.LoggingObserver
	BasicMetrics       = api.BasicMetrics
	CompositeObserver  = api.CompositeObserver
	NoopObserver       = api.NoopObserver

	Evaluator    = engine.Evaluator
	StreamHub    = stream.Hub
	Subscription = stream.Subscription
	SSEOptions   = stream.ConsumerOptions
	Scheduler    = scheduler.Scheduler
)

// ServeSSE streams a subscription to the writer as Server-Sent Events.
var ServeSSE = stream.ServeSSE

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewEvaluator         = engine.NewEvaluator
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
)

// Re-export execution patterns.

const (
	PatternSequential  = api.PatternSequential
	PatternParallel    = api.PatternParallel
	PatternConditional = api.PatternConditional
	PatternGraph       = api.PatternGraph
)

// Re-export step dispatch kinds.

const (
	KindLocal = api.KindLocal
	KindRPC   = api.KindRPC
	KindAPI   = api.KindAPI
	KindGRPC  = api.KindGRPC
)

// RegisterLocalStep registers an in-process handler under the given step
// type. Workflow steps reference it by type.
func RegisterLocalStep(eng *Engine, stepType string, handler StepHandler) error {
	return eng.StepRegistry().Register(api.StepTypeConfig{
		Type:    stepType,
		Name:    stepType,
		Kind:    api.KindLocal,
		Handler: handler,
	})
}

// RegisterRemoteStep registers a step type dispatched over HTTP to the
// given endpoint.
func RegisterRemoteStep(eng *Engine, stepType, endpoint string) error {
	return eng.StepRegistry().Register(api.StepTypeConfig{
		Type:     stepType,
		Name:     stepType,
		Kind:     api.KindRPC,
		Endpoint: endpoint,
	})
}

// Options tunes engine construction beyond the choice of backend.
// The zero value is usable.
type Options struct {
	// Logger receives engine, worker, and scheduler logs.
	// Nil falls back to slog.Default().
	Logger *slog.Logger

	// Observer receives run and step lifecycle callbacks.
	Observer api.Observer

	// QueueCapacity sizes the in-memory task queue used by backends that
	// have no durable queue of their own. Zero means the default.
	QueueCapacity int

	// BlockOnWaiting makes WAITING steps block in-process on their signal
	// instead of parking the run and returning control.
	BlockOnWaiting bool

	// SignalWaitTimeout bounds one in-process signal wait.
	SignalWaitTimeout time.Duration
}

func (o Options) engineOptions(store persistence.Store, queue taskqueue.Queue) engine.Options {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return engine.Options{
		Store:             store,
		Registry:          registry.New(logger),
		Queue:             queue,
		Observer:          o.Observer,
		Logger:            logger,
		BlockOnWaiting:    o.BlockOnWaiting,
		SignalWaitTimeout: o.SignalWaitTimeout,
	}
}

// Engine constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryEngine returns an Engine backed entirely by in-memory state.
// Nothing survives a restart; best for tests and local development.
func NewInMemoryEngine(opts Options) (*Engine, error) {
	store := persistence.NewMemoryStore()
	queue := taskqueue.NewInMemoryQueue(opts.QueueCapacity)
	return engine.New(opts.engineOptions(store, queue))
}

// NewSQLiteEngine returns an Engine that persists runs, workflows, and
// queued tasks in a SQLite database at the given path. Use ":memory:"
// for an ephemeral database.
func NewSQLiteEngine(path string, opts Options) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(path, 0)
	if err != nil {
		store.Close()
		return nil, err
	}
	return engine.New(opts.engineOptions(store, queue))
}

// NewPostgresEngine returns an Engine that persists runs and workflows in
// PostgreSQL. Task dispatch uses an in-memory queue; pair with an external
// queue for cross-process workers.
func NewPostgresEngine(dsn string, opts Options) (*Engine, error) {
	store, err := persistence.NewPostgresStore(dsn)
	if err != nil {
		return nil, err
	}
	queue := taskqueue.NewInMemoryQueue(opts.QueueCapacity)
	return engine.New(opts.engineOptions(store, queue))
}

// NewRedisEngine returns an Engine that persists runs and workflows in
// Redis under the given key prefix. An empty prefix uses the default.
func NewRedisEngine(client *redis.Client, prefix string, opts Options) (*Engine, error) {
	store := persistence.NewRedisStore(client, prefix)
	queue := taskqueue.NewInMemoryQueue(opts.QueueCapacity)
	return engine.New(opts.engineOptions(store, queue))
}

// NewMongoEngine returns an Engine that persists runs, workflows, and
// queued tasks in the given MongoDB database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, database string, opts Options) (*Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, database)
	if err != nil {
		return nil, err
	}
	queue := taskqueue.NewMongoQueue(client, database, 0)
	return engine.New(opts.engineOptions(store, queue))
}

// NewScheduler returns a trigger scheduler polling the engine's store at
// the given interval. Zero pollInterval uses the default.
func NewScheduler(eng *Engine, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	return scheduler.New(eng.Store(), eng, logger, pollInterval)
}

// Convenience helpers that just forward to the underlying Engine.

// Execute runs a registered workflow synchronously.
func Execute(ctx context.Context, eng *Engine, workflowID string, trigger map[string]any) (*RunState, error) {
	return eng.Execute(ctx, workflowID, trigger)
}

// Submit enqueues a run for asynchronous execution and returns its ID.
func Submit(ctx context.Context, eng *Engine, workflowID string, trigger map[string]any) (string, error) {
	return eng.Submit(ctx, workflowID, trigger)
}

// Signal delivers a signal payload to a waiting run.
func Signal(ctx context.Context, eng *Engine, executionID, stepID string, payload map[string]any) error {
	return eng.Signal(ctx, executionID, stepID, payload)
}

// Resume resumes a WAITING run after its signal has been applied.
func Resume(ctx context.Context, eng *Engine, executionID string) (*RunState, error) {
	return eng.Resume(ctx, executionID)
}

// Run fetches a run by execution ID.
func Run(ctx context.Context, eng *Engine, executionID string) (*RunState, error) {
	return eng.Run(ctx, executionID)
}

// ListRuns lists runs, optionally filtered by workflow and status.
func ListRuns(ctx context.Context, eng *Engine, workflowID string, status Status) ([]*RunState, error) {
	return eng.ListRuns(ctx, workflowID, status)
}
