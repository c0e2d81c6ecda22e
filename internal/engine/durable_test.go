package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkarren/stepflow/internal/durable"
	"github.com/mkarren/stepflow/internal/persistence"
	"github.com/mkarren/stepflow/pkg/api"
)

// approvalHandler parks on first entry and completes once a signal payload
// is present. calls lets tests assert the at-least-once re-entry.
func approvalHandler(calls *[]map[string]any) api.StepHandler {
	return func(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
		*calls = append(*calls, input)
		if sig, ok := input["signal"].(map[string]any); ok {
			return map[string]any{"approved": sig["approved"]}, nil
		}
		return map[string]any{"status": "waiting"}, nil
	}
}

func approvalWorkflow() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID: "approval",
		Steps: []api.StepDefinition{
			{ID: "prepare", Type: "echo"},
			{ID: "approve", Type: "gate", Dependencies: []string{"prepare"}},
			{ID: "finalize", Type: "echo", Dependencies: []string{"approve"}},
		},
	}
}

func TestParkThenSignalResumesRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, memoryStore(t), Options{})

	var calls []map[string]any
	registerLocal(t, eng, "echo", echoHandler)
	registerLocal(t, eng, "gate", approvalHandler(&calls))

	if err := eng.RegisterWorkflow(ctx, approvalWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, err := eng.Execute(ctx, "approval", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.CurrentStatus() != api.StatusWaiting {
		t.Fatalf("expected WAITING, got %s", run.CurrentStatus())
	}
	if run.CurrentStep != "approve" {
		t.Fatalf("expected run parked on approve, got %q", run.CurrentStep)
	}
	// Parking persists a durable run ID as the recovery anchor.
	if _, ok := run.MetadataValue(durable.MetaDurableRunID); !ok {
		t.Fatal("parked run missing durable run ID metadata")
	}
	if len(calls) != 1 {
		t.Fatalf("gate should have been entered once before parking, got %d", len(calls))
	}

	// No queue configured: Signal resumes in a background goroutine.
	if err := eng.Signal(ctx, run.ExecutionID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}

	final := waitTerminal(t, eng, run.ExecutionID)
	if final.CurrentStatus() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after signal, got %s (%s)", final.CurrentStatus(), final.Error)
	}

	// Same step re-entered, this time with the signal payload in input.
	if len(calls) != 2 {
		t.Fatalf("gate should have been re-entered exactly once, got %d calls", len(calls))
	}
	sig, ok := calls[1]["signal"].(map[string]any)
	if !ok || sig["approved"] != true {
		t.Fatalf("re-entry input missing signal payload: %v", calls[1])
	}
	res, _ := final.Result("approve")
	if res.Status != api.StepCompleted || res.Output["approved"] != true {
		t.Fatalf("approve result wrong: %+v", res)
	}
	if res, _ := final.Result("finalize"); res.Status != api.StepCompleted {
		t.Fatalf("finalize should run after resume, got %+v", res)
	}
}

func TestResumeAcrossEngineInstances(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "durable_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var calls []map[string]any
	wire := func(eng *Engine) {
		registerLocal(t, eng, "echo", echoHandler)
		registerLocal(t, eng, "gate", approvalHandler(&calls))
	}

	// "Process 1" parks the run and goes away.
	eng1 := newTestEngine(t, store, Options{})
	wire(eng1)
	if err := eng1.RegisterWorkflow(ctx, approvalWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	run, err := eng1.Execute(ctx, "approval", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.CurrentStatus() != api.StatusWaiting {
		t.Fatalf("expected WAITING, got %s", run.CurrentStatus())
	}

	// "Process 2" shares only the store. Apply the signal there and
	// resume explicitly, the way a queue worker would.
	eng2 := newTestEngine(t, store, Options{})
	wire(eng2)

	if err := eng2.Signal(ctx, run.ExecutionID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Signal on second engine failed: %v", err)
	}

	final := waitTerminal(t, eng2, run.ExecutionID)
	if final.CurrentStatus() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.CurrentStatus(), final.Error)
	}
	if res, _ := final.Result("finalize"); res.Status != api.StepCompleted {
		t.Fatalf("finalize should complete in the second process, got %+v", res)
	}
}

func TestSignalRejectedWhenRunNotWaiting(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, memoryStore(t), Options{})

	registerLocal(t, eng, "echo", echoHandler)
	def := api.WorkflowDefinition{
		ID:    "plain",
		Steps: []api.StepDefinition{{ID: "a", Type: "echo"}},
	}
	if err := eng.RegisterWorkflow(ctx, def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	run, err := eng.Execute(ctx, "plain", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.CurrentStatus() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", run.CurrentStatus())
	}

	err = eng.Signal(ctx, run.ExecutionID, "a", map[string]any{"x": 1})
	if err == nil {
		t.Fatal("signalling a completed run must fail")
	}
}

func TestBlockOnWaitingCompletesInProcess(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, memoryStore(t), Options{
		BlockOnWaiting:    true,
		SignalWaitTimeout: 5 * time.Second,
	})

	var calls []map[string]any
	registerLocal(t, eng, "echo", echoHandler)
	registerLocal(t, eng, "gate", approvalHandler(&calls))

	if err := eng.RegisterWorkflow(ctx, approvalWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	type result struct {
		run *api.RunState
		err error
	}
	done := make(chan result, 1)
	var executionID string
	started := make(chan string, 1)

	go func() {
		run, err := eng.Execute(ctx, "approval", nil)
		done <- result{run, err}
	}()

	// Find the run once it exists, then signal while Execute blocks.
	go func() {
		for {
			runs, err := eng.ListRuns(ctx, "approval", "")
			if err == nil && len(runs) > 0 && runs[0].CurrentStatus() == api.StatusWaiting {
				started <- runs[0].ExecutionID
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case executionID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never parked")
	}
	if err := eng.Signal(ctx, executionID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Execute failed: %v", r.err)
		}
		if r.run.CurrentStatus() != api.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s (%s)", r.run.CurrentStatus(), r.run.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking execute never returned after signal")
	}
}

func TestBlockOnWaitingTimesOutIntoPark(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, memoryStore(t), Options{
		BlockOnWaiting:    true,
		SignalWaitTimeout: 50 * time.Millisecond,
	})

	var calls []map[string]any
	registerLocal(t, eng, "echo", echoHandler)
	registerLocal(t, eng, "gate", approvalHandler(&calls))

	if err := eng.RegisterWorkflow(ctx, approvalWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, err := eng.Execute(ctx, "approval", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// No signal arrived within the wait budget; the run stays parked and
	// control comes back to the caller.
	if run.CurrentStatus() != api.StatusWaiting {
		t.Fatalf("expected WAITING after wait timeout, got %s", run.CurrentStatus())
	}

	stored, err := eng.Run(ctx, run.ExecutionID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stored.CurrentStatus() != api.StatusWaiting {
		t.Fatalf("store should hold the WAITING state, got %s", stored.CurrentStatus())
	}
}

func TestSequentialResumeKeepsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, memoryStore(t), Options{})

	var calls []map[string]any
	registerLocal(t, eng, "echo", echoHandler)
	registerLocal(t, eng, "gate", approvalHandler(&calls))

	def := approvalWorkflow()
	def.Pattern = api.PatternSequential
	if err := eng.RegisterWorkflow(ctx, def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	run, err := eng.Execute(ctx, "approval", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if run.CurrentStatus() != api.StatusWaiting {
		t.Fatalf("expected WAITING, got %s", run.CurrentStatus())
	}
	if res, ok := run.Result("prepare"); !ok || res.Status != api.StepCompleted {
		t.Fatalf("prepare should be COMPLETED before the park, got %+v", res)
	}

	if err := eng.Signal(ctx, run.ExecutionID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	final := waitTerminal(t, eng, run.ExecutionID)
	if final.CurrentStatus() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.CurrentStatus(), final.Error)
	}

	// The resume re-walks the ordered step list; steps that already
	// finished must keep their results instead of being re-marked skipped.
	res, _ := final.Result("prepare")
	if res.Status != api.StepCompleted {
		t.Fatalf("prepare result overwritten on resume: %+v", res)
	}
	if res.Output["step"] != "prepare" {
		t.Fatalf("prepare output lost on resume: %+v", res.Output)
	}
	if len(final.Skipped) != 0 {
		t.Fatalf("nothing should be skipped, got %v", final.Skipped)
	}
	if res, _ := final.Result("finalize"); res.Status != api.StepCompleted {
		t.Fatalf("finalize should complete after resume, got %+v", res)
	}
}

func TestSignalDuringRunningStepIsRejected(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, memoryStore(t), Options{})

	var calls []map[string]any
	entered := make(chan struct{})
	release := make(chan struct{})
	registerLocal(t, eng, "slow", func(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{"step": step.ID}, nil
	})
	registerLocal(t, eng, "gate", approvalHandler(&calls))
	registerLocal(t, eng, "echo", echoHandler)

	def := approvalWorkflow()
	def.Steps[0].Type = "slow"
	if err := eng.RegisterWorkflow(ctx, def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	type result struct {
		run *api.RunState
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := eng.Execute(ctx, "approval", nil)
		done <- result{run, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first step never started")
	}
	runs, err := eng.ListRuns(ctx, "approval", "")
	if err != nil || len(runs) == 0 {
		t.Fatalf("running execution not visible: %v (%d runs)", err, len(runs))
	}
	executionID := runs[0].ExecutionID

	// The run is mid-step, not waiting; the payload must be rejected, not
	// swallowed by the in-process registry where nothing would drain it.
	err = eng.Signal(ctx, executionID, "approve", map[string]any{"approved": true})
	if !errors.Is(err, api.ErrRunNotResumable) {
		t.Fatalf("expected ErrRunNotResumable for a running run, got %v", err)
	}

	close(release)
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Execute failed: %v", r.err)
		}
		if r.run.CurrentStatus() != api.StatusWaiting {
			t.Fatalf("expected WAITING after the gate, got %s", r.run.CurrentStatus())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution never parked")
	}

	// Once parked, the same signal goes through and resumes the run.
	if err := eng.Signal(ctx, executionID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Signal on parked run failed: %v", err)
	}
	final := waitTerminal(t, eng, executionID)
	if final.CurrentStatus() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.CurrentStatus(), final.Error)
	}
	if res, _ := final.Result("approve"); res.Output["approved"] != true {
		t.Fatalf("signal payload was lost: %+v", res)
	}
}

func TestBlockOnWaitingCancelLeavesRunParked(t *testing.T) {
	eng := newTestEngine(t, memoryStore(t), Options{
		BlockOnWaiting:    true,
		SignalWaitTimeout: time.Minute,
	})

	var calls []map[string]any
	registerLocal(t, eng, "echo", echoHandler)
	registerLocal(t, eng, "gate", approvalHandler(&calls))
	if err := eng.RegisterWorkflow(context.Background(), approvalWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		run *api.RunState
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := eng.Execute(ctx, "approval", nil)
		done <- result{run, err}
	}()

	// Wait until the park is persisted and the engine blocks on the signal.
	var executionID string
	deadline := time.Now().Add(5 * time.Second)
	for executionID == "" {
		runs, err := eng.ListRuns(context.Background(), "approval", api.StatusWaiting)
		if err == nil && len(runs) > 0 {
			executionID = runs[0].ExecutionID
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never parked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("cancelled wait should hand back the parked run, got error %v", r.err)
		}
		if r.run.CurrentStatus() != api.StatusWaiting {
			t.Fatalf("expected WAITING back from Execute, got %s", r.run.CurrentStatus())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute never returned after cancellation")
	}

	stored, err := eng.Run(context.Background(), executionID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stored.CurrentStatus() != api.StatusWaiting {
		t.Fatalf("cancellation must not fail the parked run, got %s", stored.CurrentStatus())
	}

	// The run stays resumable: a later signal completes it.
	if err := eng.Signal(context.Background(), executionID, "approve", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	final := waitTerminal(t, eng, executionID)
	if final.CurrentStatus() != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s (%s)", final.CurrentStatus(), final.Error)
	}
}
