package api

import (
	"testing"
)

func diamondWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		ID: "diamond",
		Steps: []StepDefinition{
			{ID: "fetch", Type: "http"},
			{ID: "parse", Type: "transform", Dependencies: []string{"fetch"}},
			{ID: "enrich", Type: "transform", Dependencies: []string{"fetch"}},
			{ID: "store", Type: "db", Dependencies: []string{"parse", "enrich"}},
		},
	}
}

func TestReadyStepsFollowDependencyGraph(t *testing.T) {
	run := NewRun(diamondWorkflow(), map[string]any{"source": "unit"})

	if got := run.ReadySteps(); len(got) != 1 || got[0] != "fetch" {
		t.Fatalf("expected only fetch ready, got %v", got)
	}

	run.StoreStepResult(StepResult{StepID: "fetch", Status: StepCompleted, Output: map[string]any{"rows": 3}})

	got := run.ReadySteps()
	if len(got) != 2 || got[0] != "enrich" || got[1] != "parse" {
		t.Fatalf("expected [enrich parse] ready, got %v", got)
	}

	run.StoreStepResult(StepResult{StepID: "parse", Status: StepCompleted})
	if run.CanExecute("store") {
		t.Fatal("store must not be executable until enrich finishes")
	}

	run.StoreStepResult(StepResult{StepID: "enrich", Status: StepCompleted})
	if !run.CanExecute("store") {
		t.Fatal("store should be executable after both parents completed")
	}
	if run.Done() {
		t.Fatal("run is not done while store is pending")
	}

	run.StoreStepResult(StepResult{StepID: "store", Status: StepCompleted})
	if !run.Done() {
		t.Fatal("run should be done after all steps completed")
	}
}

func TestSkippedDependencySatisfiesDependents(t *testing.T) {
	run := NewRun(diamondWorkflow(), nil)

	run.StoreStepResult(StepResult{StepID: "fetch", Status: StepCompleted})
	run.SkipStep("parse", "condition not met")
	run.StoreStepResult(StepResult{StepID: "enrich", Status: StepCompleted})

	if !run.CanExecute("store") {
		t.Fatal("a skipped dependency should unblock dependents")
	}
	res, ok := run.Result("parse")
	if !ok || res.Status != StepSkipped {
		t.Fatalf("expected SKIPPED result for parse, got %+v ok=%v", res, ok)
	}
}

func TestWaitingStepStaysPending(t *testing.T) {
	run := NewRun(diamondWorkflow(), nil)

	run.StoreStepResult(StepResult{
		StepID: "fetch",
		Status: StepWaiting,
		Output: map[string]any{"status": "waiting"},
	})

	if !run.CanExecute("fetch") {
		t.Fatal("waiting step must remain pending for re-execution")
	}
	if _, ok := run.IOData("fetch.waiting"); !ok {
		t.Fatal("waiting output should be recorded under <step>.waiting")
	}
}

func TestStatusTransitions(t *testing.T) {
	run := NewRun(diamondWorkflow(), nil)

	if run.CurrentStatus() != StatusPending {
		t.Fatalf("new run should be PENDING, got %s", run.CurrentStatus())
	}
	if err := run.Resume(); err == nil {
		t.Fatal("Resume from PENDING must fail")
	}
	if err := run.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := run.Start(); err == nil {
		t.Fatal("double Start must fail")
	}

	run.MarkWaiting("fetch")
	if run.CurrentStatus() != StatusWaiting {
		t.Fatalf("expected WAITING, got %s", run.CurrentStatus())
	}
	if err := run.Resume(); err != nil {
		t.Fatalf("Resume from WAITING failed: %v", err)
	}
	if run.CurrentStatus() != StatusRunning {
		t.Fatalf("expected RUNNING after resume, got %s", run.CurrentStatus())
	}

	if err := run.Complete(); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := run.Fail("too late"); err == nil {
		t.Fatal("terminal status must reject further transitions")
	}
	if run.CompletedAt == nil {
		t.Fatal("CompletedAt should be stamped on completion")
	}
}

func TestCancelFromAnyNonTerminalStatus(t *testing.T) {
	run := NewRun(diamondWorkflow(), nil)
	if err := run.Cancel(); err != nil {
		t.Fatalf("Cancel from PENDING failed: %v", err)
	}
	if !run.CurrentStatus().Terminal() {
		t.Fatal("CANCELLED should be terminal")
	}
	if err := run.Cancel(); err == nil {
		t.Fatal("Cancel of a terminal run must fail")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	run := NewRun(diamondWorkflow(), map[string]any{"source": "unit"})
	if err := run.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	run.StoreStepResult(StepResult{StepID: "fetch", Status: StepCompleted, Output: map[string]any{"rows": float64(3)}})
	run.MarkWaiting("parse")
	run.SetMetadata("durable_run_id", "dr-1")

	data, err := run.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	loaded, err := LoadRun(data)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.ExecutionID != run.ExecutionID {
		t.Fatalf("execution ID mismatch: %s vs %s", loaded.ExecutionID, run.ExecutionID)
	}
	if loaded.CurrentStatus() != StatusWaiting {
		t.Fatalf("expected WAITING after reload, got %s", loaded.CurrentStatus())
	}
	if v, ok := loaded.MetadataValue("durable_run_id"); !ok || v != "dr-1" {
		t.Fatalf("metadata lost across snapshot: %v ok=%v", v, ok)
	}
	// Readiness must be recomputable from the snapshot alone.
	got := loaded.ReadySteps()
	if len(got) != 2 || got[0] != "enrich" || got[1] != "parse" {
		t.Fatalf("reloaded readiness wrong: %v", got)
	}
}

func TestApplySignalFeedsSignalPayload(t *testing.T) {
	run := NewRun(diamondWorkflow(), nil)
	run.ApplySignal("parse", map[string]any{"approved": true})

	payload, ok := run.SignalPayload("parse")
	if !ok {
		t.Fatal("signal payload not found")
	}
	if payload["approved"] != true {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := run.SignalPayload("fetch"); ok {
		t.Fatal("signal must be scoped to its step")
	}
}

func TestConditionContextShape(t *testing.T) {
	run := NewRun(diamondWorkflow(), map[string]any{"env": "prod"})
	run.StoreStepResult(StepResult{StepID: "fetch", Status: StepCompleted, Output: map[string]any{"count": 15}})

	ctxMap := run.ConditionContext()

	trig, ok := ctxMap["trigger"].(map[string]any)
	if !ok || trig["env"] != "prod" {
		t.Fatalf("trigger missing from context: %v", ctxMap["trigger"])
	}
	step, ok := ctxMap["fetch"].(map[string]any)
	if !ok {
		t.Fatalf("fetch entry missing: %v", ctxMap["fetch"])
	}
	out, ok := step["output"].(map[string]any)
	if !ok || out["count"] != 15 {
		t.Fatalf("fetch output missing: %v", step["output"])
	}
	if ctxMap["workflow_id"] != "diamond" {
		t.Fatalf("workflow_id missing: %v", ctxMap["workflow_id"])
	}
}

func TestIsCriticalDefaultsTrue(t *testing.T) {
	s := StepDefinition{ID: "a", Type: "t"}
	if !s.IsCritical() {
		t.Fatal("steps default to critical")
	}
	f := false
	s.Critical = &f
	if s.IsCritical() {
		t.Fatal("explicit false must be honored")
	}
}

func TestEffectivePatternDefaultsToDependencyGraph(t *testing.T) {
	var def WorkflowDefinition
	if def.EffectivePattern() != PatternGraph {
		t.Fatalf("default pattern should be dependency_graph, got %s", def.EffectivePattern())
	}
	def.Pattern = PatternSequential
	if def.EffectivePattern() != PatternSequential {
		t.Fatalf("explicit pattern should win, got %s", def.EffectivePattern())
	}
}
