// Package stepflow provides an embeddable, durable workflow engine for Go.
//
// Stepflow executes declarative workflow definitions: directed graphs of
// typed steps with per-step retry policies, conditions, timeouts, and
// input mapping. It is designed for backend services that need reliable
// multi-step operations and long-lived, suspendable runs without standing
// up separate orchestration infrastructure.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. StepRegistry
//  3. WorkflowBuilder
//  4. Worker
//  5. StreamHub
//  6. TriggerScheduler
//
// # Engine
//
// The Engine stores workflow definitions, persists run state, schedules
// steps according to the workflow's execution pattern, and provides APIs
// to:
//   - execute workflows synchronously or submit them to a queue
//   - resume runs parked on an external signal
//   - deliver signals and cancel runs
//   - read run state and history
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Execution Patterns
//
// Each workflow declares one of four patterns. Sequential runs steps in
// declared order. Parallel fans out every ready batch concurrently.
// Conditional gates each step on its conditions, skipping those that do
// not apply. Dependency graph, the default, repeatedly executes whichever
// steps have all dependencies satisfied.
//
// # Durable Waits
//
// A step handler that returns {"status": "waiting"} parks the run: state
// is checkpointed, the engine returns control, and the run stays WAITING
// until a signal arrives. Signals route through the store and the task
// queue, so a run parked in one process can be resumed in another, or
// after a restart.
//
// # Streaming
//
// Every lifecycle transition publishes a StreamEvent. Subscribers attach
// per execution or per workflow, and ServeSSE adapts a subscription to a
// Server-Sent Events response for browser consumers.
//
// # Triggers
//
// The scheduler polls registered workflows and fires those whose interval
// or cron trigger is due, checkpointing last/next run times in the
// workflow's global config so schedules survive restarts.
package stepflow
