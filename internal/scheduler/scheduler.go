// Package scheduler polls registered workflows and fires runs for due
// interval and cron triggers. Cron evaluation is timezone-aware and
// catch-up-correct: a stale next-run checkpoint is advanced past now,
// skipping missed ticks instead of burst-firing them.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mkarren/stepflow/internal/persistence"
	"github.com/mkarren/stepflow/pkg/api"
)

// GlobalConfig keys the scheduler checkpoints through so restarts never
// double-fire: both are written in the same store upsert that fires.
const (
	KeyLastRunAt = "scheduler_last_run_at"
	KeyNextRunAt = "scheduler_next_run_at"
)

// minIntervalSeconds floors interval triggers so a misconfigured workflow
// cannot spin the scheduler.
const minIntervalSeconds = 5

// Runner is the engine surface the scheduler fires through.
type Runner interface {
	Execute(ctx context.Context, workflowID string, trigger map[string]any) (*api.RunState, error)
	Submit(ctx context.Context, workflowID string, trigger map[string]any) (string, error)
}

// Scheduler polls the store for triggered workflows on a fixed interval.
type Scheduler struct {
	store  persistence.Store
	runner Runner
	logger *slog.Logger

	pollInterval time.Duration
	parser       cron.Parser

	// now and jitter are test seams; defaults are time.Now and a uniform
	// random delay up to the trigger's jitter bound.
	now    func() time.Time
	jitter func(seconds int) time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a scheduler. A pollInterval of zero defaults to 15s.
func New(store persistence.Store, runner Runner, logger *slog.Logger, pollInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Scheduler{
		store:        store,
		runner:       runner,
		logger:       logger,
		pollInterval: pollInterval,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:          time.Now,
		jitter: func(seconds int) time.Duration {
			return time.Duration(rand.Int63n(int64(seconds)+1)) * time.Second
		},
	}
}

// Start launches the poll loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			if err := s.Tick(loopCtx); err != nil && loopCtx.Err() == nil {
				s.logger.Warn("scheduler tick error", slog.Any("error", err))
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.pollInterval))
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, started := s.cancel, s.done, s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Tick scans all workflows once and fires the due ones. Exposed for tests
// and manual invocation by embedding processes.
func (s *Scheduler) Tick(ctx context.Context) error {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	for _, def := range workflows {
		if def.Trigger == nil || !def.Trigger.Enabled {
			continue
		}
		if err := s.evaluate(ctx, def, now); err != nil {
			s.logger.Warn("trigger evaluation failed",
				slog.String("workflow_id", def.ID),
				slog.Any("error", err),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, def api.WorkflowDefinition, now time.Time) error {
	trigger := def.Trigger
	lastRun := s.readTime(def, KeyLastRunAt)

	var (
		due      bool
		prevNext time.Time
	)
	switch trigger.Mode {
	case api.TriggerInterval:
		interval := trigger.IntervalSeconds
		if interval < minIntervalSeconds {
			interval = minIntervalSeconds
		}
		due = lastRun.IsZero() || !now.Before(lastRun.Add(time.Duration(interval)*time.Second))

	case api.TriggerCron:
		sched, loc, err := s.parseCron(trigger)
		if err != nil {
			return err
		}
		nextRun := s.readTime(def, KeyNextRunAt)

		switch {
		case nextRun.IsZero():
			// First sight of this trigger: persist a stable target so
			// future ticks compare against it instead of recomputing.
			nextRun = sched.Next(now.In(loc)).UTC()
			return s.saveCheckpoint(ctx, def, KeyNextRunAt, nextRun)

		case !lastRun.IsZero() && !nextRun.After(lastRun):
			// Stale checkpoint (restart with old state): advance past now,
			// skipping every missed tick rather than burst-firing them.
			next := nextRun
			for !next.After(now) {
				next = sched.Next(next.In(loc)).UTC()
			}
			return s.saveCheckpoint(ctx, def, KeyNextRunAt, next)
		}

		prevNext = nextRun
		due = !now.Before(nextRun)

	default:
		return nil
	}

	if !due {
		return nil
	}

	// Any jitter delay is served inside fire so one trigger's spread-out
	// start cannot stall the rest of the tick.
	var delay time.Duration
	if trigger.JitterSeconds > 0 {
		delay = s.jitter(trigger.JitterSeconds)
	}
	s.fire(ctx, def, now, delay)

	// Update last/next in the same short-lived persistence pass as the
	// fire so a scheduler restart cannot double-fire this slot.
	if def.GlobalConfig == nil {
		def.GlobalConfig = make(map[string]any)
	}
	def.GlobalConfig[KeyLastRunAt] = now.Format(time.RFC3339)
	if trigger.Mode == api.TriggerCron {
		sched, loc, err := s.parseCron(trigger)
		if err == nil {
			nowExec := s.now().UTC()
			base := prevNext
			if base.IsZero() {
				base = nowExec
			}
			next := sched.Next(base.In(loc)).UTC()
			for !next.After(nowExec) {
				next = sched.Next(next.In(loc)).UTC()
			}
			def.GlobalConfig[KeyNextRunAt] = next.Format(time.RFC3339)
		}
	}
	return s.store.SaveWorkflow(ctx, def)
}

// fire starts the run without blocking the poll loop: any jitter delay is
// slept on the side, then the queue path when available, otherwise a
// detached execution.
func (s *Scheduler) fire(ctx context.Context, def api.WorkflowDefinition, now time.Time, delay time.Duration) {
	if delay > 0 {
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			s.submit(ctx, def, now)
		}()
		return
	}
	s.submit(ctx, def, now)
}

func (s *Scheduler) submit(ctx context.Context, def api.WorkflowDefinition, now time.Time) {
	trigger := map[string]any{
		"source":       "scheduler",
		"scheduled_at": now.Format(time.RFC3339),
	}
	if id, err := s.runner.Submit(ctx, def.ID, trigger); err == nil {
		s.logger.Info("scheduled run submitted",
			slog.String("workflow_id", def.ID),
			slog.String("execution_id", id),
		)
		return
	}
	go func() {
		run, err := s.runner.Execute(context.Background(), def.ID, trigger)
		if err != nil {
			s.logger.Warn("scheduled run failed to start",
				slog.String("workflow_id", def.ID),
				slog.Any("error", err),
			)
			return
		}
		s.logger.Info("scheduled run finished",
			slog.String("workflow_id", def.ID),
			slog.String("execution_id", run.ExecutionID),
			slog.String("status", string(run.CurrentStatus())),
		)
	}()
}

func (s *Scheduler) parseCron(trigger *api.TriggerConfig) (cron.Schedule, *time.Location, error) {
	sched, err := s.parser.Parse(trigger.Cron)
	if err != nil {
		return nil, nil, api.NewValidationError("invalid cron %q: %v", trigger.Cron, err)
	}
	loc := time.UTC
	if trigger.Timezone != "" {
		l, err := time.LoadLocation(trigger.Timezone)
		if err != nil {
			return nil, nil, api.NewValidationError("invalid timezone %q: %v", trigger.Timezone, err)
		}
		loc = l
	}
	return sched, loc, nil
}

func (s *Scheduler) readTime(def api.WorkflowDefinition, key string) time.Time {
	v, ok := def.GlobalConfig[key]
	if !ok {
		return time.Time{}
	}
	str, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (s *Scheduler) saveCheckpoint(ctx context.Context, def api.WorkflowDefinition, key string, t time.Time) error {
	if def.GlobalConfig == nil {
		def.GlobalConfig = make(map[string]any)
	}
	def.GlobalConfig[key] = t.Format(time.RFC3339)
	return s.store.SaveWorkflow(ctx, def)
}
