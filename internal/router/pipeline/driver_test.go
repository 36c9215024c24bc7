package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oakmund/storyrouter/internal/router/contract"
	"github.com/oakmund/storyrouter/internal/router/moduleclient"
	"github.com/oakmund/storyrouter/internal/router/registry"
	"github.com/oakmund/storyrouter/internal/router/runstore"
)

// stubModules hosts canonical module responses for every role on one test
// server, routed by path prefix.
type stubModules struct {
	server *httptest.Server

	intentOutput  map[string]any
	preOutput     map[string]any
	simulatorSlow atomic.Bool
}

func defaultIntentOutput() map[string]any {
	return map[string]any{
		"rawInput": "Look around.",
		"candidates": []map[string]any{
			{"actorId": "entity.player.captain", "intent": "inspect_environment", "confidence": 0.92},
		},
	}
}

func defaultPreOutput() map[string]any {
	return map[string]any{
		"assessments": []map[string]any{
			{"candidateIndex": 0, "status": "allowed", "rationale": "nothing forbids a look around"},
		},
		"summary": "allowed",
	}
}

func canonicalProposal() map[string]any {
	return map[string]any{
		"moduleName": "default_simulator",
		"operations": []map[string]any{
			{
				"op":      "observation",
				"scope":   "view:player",
				"payload": map[string]any{"text": "You scan the desert."},
				"reason":  "player surveyed the surroundings",
			},
		},
	}
}

func newStubModules(t *testing.T) *stubModules {
	t.Helper()
	stub := &stubModules{
		intentOutput: defaultIntentOutput(),
		preOutput:    defaultPreOutput(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/intent/invoke", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "intent_extractor", stub.intentOutput, nil)
	})
	mux.HandleFunc("/loremaster/retrieve", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "loremaster", map[string]any{
			"query":    "desert crawler surroundings",
			"evidence": []map[string]any{{"source": "lore/world.md", "excerpt": "glass dunes", "score": 0.8}},
			"summary":  "the crawler crosses the glass dunes",
		}, nil)
	})
	mux.HandleFunc("/loremaster/pre", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "loremaster", stub.preOutput, nil)
	})
	mux.HandleFunc("/simulator/invoke", func(w http.ResponseWriter, r *http.Request) {
		if stub.simulatorSlow.Load() {
			time.Sleep(250 * time.Millisecond)
		}
		writeEnvelope(w, "default_simulator", canonicalProposal(), nil)
	})
	mux.HandleFunc("/loremaster/post", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "loremaster", map[string]any{
			"status": "consistent", "rationale": "matches the dunes", "mustInclude": []string{}, "mustAvoid": []string{},
		}, nil)
	})
	mux.HandleFunc("/arbiter/invoke", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "arbiter", map[string]any{
			"decision":         "accept",
			"selectedProposal": canonicalProposal(),
			"rationale":        "single sound proposal",
		}, nil)
	})
	mux.HandleFunc("/proser/invoke", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "proser", map[string]any{
			"narrationText": "Dust sweeps across the crawler deck as you survey the dunes.",
		}, []string{"style guide applied"})
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *stubModules) bindings() registry.Bindings {
	return registry.Bindings{
		IntentURL:     s.server.URL + "/intent",
		LoremasterURL: s.server.URL + "/loremaster",
		SimulatorURL:  s.server.URL + "/simulator",
		ArbiterURL:    s.server.URL + "/arbiter",
		ProserURL:     s.server.URL + "/proser",
	}
}

func writeEnvelope(w http.ResponseWriter, moduleName string, output any, warnings []string) {
	if warnings == nil {
		warnings = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"meta":   map[string]any{"moduleName": moduleName, "warnings": warnings},
		"output": output,
		"debug":  map[string]any{"llmConversation": map[string]any{"module": moduleName, "turns": 1}},
	})
}

func newTestDriver(t *testing.T, stub *stubModules, timeout time.Duration) (*Driver, *runstore.Store) {
	t.Helper()
	root := t.TempDir()
	ctx := context.Background()
	if err := runstore.Initialize(ctx, root, "desert-crawler", "run-1", []runstore.LoreEntry{
		{Subject: "world_context", Data: "Glass dunes.", Source: "lore/world.md"},
	}); err != nil {
		t.Fatalf("initialize run: %v", err)
	}
	store, err := runstore.Open(root, "desert-crawler", "run-1")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	driver := New(store, moduleclient.New(timeout), stub.bindings(), nil)
	return driver, store
}

func testRunContext(turn int) contract.RunContext {
	return contract.RunContext{
		RequestID:     "req-1",
		RunID:         "run-1",
		GameProjectID: "desert-crawler",
		Turn:          turn,
		PlayerID:      "entity.player.captain",
		PlayerInput:   "Look around.",
	}
}

func TestProcessTurnHappyPath(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	driver, store := newTestDriver(t, stub, time.Second)

	turnTrace, err := driver.ProcessTurn(ctx, testRunContext(1))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}

	if turnTrace.NarrationText != "Dust sweeps across the crawler deck as you survey the dunes." {
		t.Fatalf("unexpected narration %q", turnTrace.NarrationText)
	}

	events, err := store.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	wantTypes := []contract.EventType{contract.EventPlayerInput, contract.EventModuleTrace, contract.EventCommittedDiff}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].EventType)
		}
	}

	pipelineEvents, err := store.ListPipelineEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list pipeline events: %v", err)
	}
	if len(pipelineEvents) != 9 {
		t.Fatalf("expected 9 pipeline events (8 stages + frontend_input), got %d", len(pipelineEvents))
	}
	if pipelineEvents[0].Stage != contract.StageFrontendInput {
		t.Fatalf("expected frontend_input first, got %s", pipelineEvents[0].Stage)
	}

	var arbiterStep, proserStep int
	for _, evt := range pipelineEvents {
		if evt.Status != contract.PipelineStatusOK {
			t.Fatalf("stage %s: expected ok status, got %s", evt.Stage, evt.Status)
		}
		switch evt.Stage {
		case contract.StageArbiter:
			arbiterStep = evt.StepNumber
		case contract.StageProser:
			proserStep = evt.StepNumber
		}
	}
	if arbiterStep == 0 || proserStep == 0 || arbiterStep >= proserStep {
		t.Fatalf("expected arbiter step before proser step, got %d and %d", arbiterStep, proserStep)
	}

	if len(turnTrace.PipelineEvents) != len(pipelineEvents) {
		t.Fatalf("trace references %d pipeline events, store holds %d", len(turnTrace.PipelineEvents), len(pipelineEvents))
	}

	maxTurn, err := store.MaxSnapshotTurn(ctx)
	if err != nil {
		t.Fatalf("max snapshot turn: %v", err)
	}
	if maxTurn != 1 {
		t.Fatalf("expected snapshot at turn 1, got %d", maxTurn)
	}

	exec, err := store.GetTurnExecution(ctx, 1)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if !exec.Completed || exec.Cursor != len(contract.Stages) {
		t.Fatalf("expected completed execution at cursor 8, got %+v", exec)
	}
	if exec.Result == nil || exec.Result.NarrationText != turnTrace.NarrationText {
		t.Fatalf("expected stored result, got %+v", exec.Result)
	}
}

func TestProcessTurnRefusalFromIntent(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	stub.intentOutput = map[string]any{
		"rawInput": "Attack.",
		"candidates": []map[string]any{
			{"actorId": "entity.player.captain", "intent": "attack", "confidence": 0.7,
				"consequenceTags": []string{"no_target_in_scope"}},
		},
	}
	driver, store := newTestDriver(t, stub, time.Second)

	turnTrace, err := driver.ProcessTurn(ctx, testRunContext(1))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}

	wantReason := "Refused: no valid attack target is currently in scope."
	if turnTrace.NarrationText != wantReason {
		t.Fatalf("expected refusal narration, got %q", turnTrace.NarrationText)
	}
	if turnTrace.Refusal == nil || turnTrace.Refusal.Reason != wantReason {
		t.Fatalf("expected refusal trace, got %+v", turnTrace.Refusal)
	}

	if len(turnTrace.Committed.Operations) != 1 {
		t.Fatalf("expected exactly one committed operation, got %d", len(turnTrace.Committed.Operations))
	}
	op := turnTrace.Committed.Operations[0]
	if op.Op != contract.OpObservation || op.Scope != contract.ScopeViewPlayer {
		t.Fatalf("expected player-scoped observation, got %+v", op)
	}
	if op.Payload["text"] != wantReason {
		t.Fatalf("expected refusal text in observation, got %v", op.Payload["text"])
	}

	pipelineEvents, err := store.ListPipelineEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list pipeline events: %v", err)
	}
	skipped := map[contract.Stage]bool{}
	for _, evt := range pipelineEvents {
		if evt.Status == contract.PipelineStatusSkipped {
			skipped[evt.Stage] = true
		}
	}
	wantSkipped := []contract.Stage{
		contract.StageDefaultSimulator,
		contract.StageLoremasterPost,
		contract.StageArbiter,
		contract.StageProser,
	}
	if len(skipped) != len(wantSkipped) {
		t.Fatalf("expected %d skipped stages, got %v", len(wantSkipped), skipped)
	}
	for _, stage := range wantSkipped {
		if !skipped[stage] {
			t.Fatalf("expected stage %s skipped", stage)
		}
	}

	// Intent and both early loremaster stages still ran against modules.
	ran := map[contract.Stage]bool{}
	for _, evt := range pipelineEvents {
		if evt.Status == contract.PipelineStatusOK && evt.Endpoint != "" {
			ran[evt.Stage] = true
		}
	}
	for _, stage := range []contract.Stage{contract.StageIntentExtractor, contract.StageLoremasterRetrieve, contract.StageLoremasterPre} {
		if !ran[stage] {
			t.Fatalf("expected stage %s to run, ran=%v", stage, ran)
		}
	}
}

func TestRefusalNonAttackIntentWording(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	stub.intentOutput = map[string]any{
		"rawInput": "Pick the lock.",
		"candidates": []map[string]any{
			{"actorId": "entity.player.captain", "intent": "pick_lock", "confidence": 0.6,
				"consequenceTags": []string{"no_target_in_scope"}},
		},
	}
	driver, _ := newTestDriver(t, stub, time.Second)

	turnTrace, err := driver.ProcessTurn(ctx, testRunContext(1))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	want := "Refused: no valid target is in scope for pick lock."
	if turnTrace.NarrationText != want {
		t.Fatalf("expected %q, got %q", want, turnTrace.NarrationText)
	}
}

func TestRefusalFromPreCheckOverrides(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	// The intent output alone already yields the ambiguity refusal.
	stub.intentOutput = map[string]any{
		"rawInput": "Look around.",
		"candidates": []map[string]any{
			{"actorId": "entity.player.captain", "intent": "inspect_environment", "confidence": 0.5,
				"consequenceTags": []string{"needs_clarification"}},
		},
	}
	stub.preOutput = map[string]any{
		"assessments": []map[string]any{
			{"candidateIndex": 0, "status": "needs_clarification",
				"consequenceTags": []string{"no_target_in_scope"},
				"rationale":       "the dunes hold nothing to inspect here"},
		},
		"summary": "refused",
	}
	driver, _ := newTestDriver(t, stub, time.Second)

	turnTrace, err := driver.ProcessTurn(ctx, testRunContext(1))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	want := "Refused: the dunes hold nothing to inspect here"
	if turnTrace.NarrationText != want {
		t.Fatalf("expected pre-check refusal, got %q", turnTrace.NarrationText)
	}
}

func TestProcessTurnModuleTimeout(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	stub.simulatorSlow.Store(true)
	driver, store := newTestDriver(t, stub, 50*time.Millisecond)

	_, err := driver.ProcessTurn(ctx, testRunContext(1))
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != contract.StageDefaultSimulator {
		t.Fatalf("expected simulator stage failure, got %s", stageErr.Stage)
	}
	var timeoutErr *moduleclient.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError cause, got %v", err)
	}

	pipelineEvents, err := store.ListPipelineEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list pipeline events: %v", err)
	}
	last := pipelineEvents[len(pipelineEvents)-1]
	if last.Stage != contract.StageDefaultSimulator || last.Status != contract.PipelineStatusError {
		t.Fatalf("expected durable error event for simulator, got %+v", last)
	}
	if last.Error == "" {
		t.Fatal("expected error text on pipeline event")
	}

	// No trace, diff, or snapshot was written for the failed turn.
	for _, eventType := range []contract.EventType{contract.EventModuleTrace, contract.EventCommittedDiff} {
		count, err := store.CountEvents(ctx, 1, eventType)
		if err != nil {
			t.Fatalf("count %s: %v", eventType, err)
		}
		if count != 0 {
			t.Fatalf("expected no %s events, got %d", eventType, count)
		}
	}
	maxTurn, err := store.MaxSnapshotTurn(ctx)
	if err != nil {
		t.Fatalf("max snapshot turn: %v", err)
	}
	if maxTurn != 0 {
		t.Fatalf("expected no new snapshot, got turn %d", maxTurn)
	}

	exec, err := store.GetTurnExecution(ctx, 1)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Completed {
		t.Fatal("expected execution to remain running")
	}
	if exec.Cursor != 3 {
		t.Fatalf("expected cursor parked at simulator stage 3, got %d", exec.Cursor)
	}
}

func TestProcessTurnResumesAfterError(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	stub.simulatorSlow.Store(true)
	driver, store := newTestDriver(t, stub, 50*time.Millisecond)

	if _, err := driver.ProcessTurn(ctx, testRunContext(1)); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	stub.simulatorSlow.Store(false)
	turnTrace, err := driver.ProcessTurn(ctx, testRunContext(1))
	if err != nil {
		t.Fatalf("resume turn: %v", err)
	}

	pipelineEvents, err := store.ListPipelineEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list pipeline events: %v", err)
	}
	// First attempt: frontend_input + 3 ok stages + 1 error. Resume appends
	// the remaining 5 stages with fresh step numbers.
	if len(pipelineEvents) != 10 {
		t.Fatalf("expected 10 pipeline events after resume, got %d", len(pipelineEvents))
	}
	for i, evt := range pipelineEvents {
		if evt.StepNumber != i+1 {
			t.Fatalf("event %d: expected contiguous step %d, got %d", i, i+1, evt.StepNumber)
		}
	}
	if len(turnTrace.PipelineEvents) != len(pipelineEvents) {
		t.Fatalf("trace completeness broken: %d vs %d", len(turnTrace.PipelineEvents), len(pipelineEvents))
	}

	// Only one player_input was recorded across both attempts.
	count, err := store.CountEvents(ctx, 1, contract.EventPlayerInput)
	if err != nil {
		t.Fatalf("count player inputs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single player_input event, got %d", count)
	}
}

func TestStepModeWalkthrough(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	driver, store := newTestDriver(t, stub, time.Second)

	exec, events, err := driver.StartStep(ctx, testRunContext(1))
	if err != nil {
		t.Fatalf("start step: %v", err)
	}
	if exec.Cursor != 0 || exec.Completed {
		t.Fatalf("expected paused execution at cursor 0, got %+v", exec)
	}
	if len(events) != 1 || events[0].Stage != contract.StageFrontendInput {
		t.Fatalf("expected only frontend_input event, got %+v", events)
	}

	for i := 1; i <= len(contract.Stages); i++ {
		exec, events, err = driver.AdvanceStep(ctx, 1)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if i < len(contract.Stages) {
			if exec.Cursor != i {
				t.Fatalf("advance %d: expected cursor %d, got %d", i, i, exec.Cursor)
			}
			if exec.Completed {
				t.Fatalf("advance %d: unexpected completion", i)
			}
		}
	}
	if !exec.Completed {
		t.Fatal("expected completion after eighth advance")
	}
	if exec.Result == nil || exec.Result.NarrationText == "" {
		t.Fatalf("expected result with narration, got %+v", exec.Result)
	}
	if len(events) != 9 {
		t.Fatalf("expected 9 pipeline events, got %d", len(events))
	}

	storeEvents, err := store.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(storeEvents) != 3 {
		t.Fatalf("expected 3 journal events, got %d", len(storeEvents))
	}

	// Advancing a completed execution returns the stored result untouched.
	before := len(events)
	exec, events, err = driver.AdvanceStep(ctx, 1)
	if err != nil {
		t.Fatalf("advance after completion: %v", err)
	}
	if !exec.Completed || exec.Result == nil {
		t.Fatalf("expected stored completed result, got %+v", exec)
	}
	if len(events) != before {
		t.Fatalf("expected no new pipeline events, got %d", len(events))
	}
}

func TestStartStepConflictsWithActiveExecution(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	driver, _ := newTestDriver(t, stub, time.Second)

	if _, _, err := driver.StartStep(ctx, testRunContext(1)); err != nil {
		t.Fatalf("start step: %v", err)
	}

	rc := testRunContext(2)
	_, _, err := driver.StartStep(ctx, rc)
	var conflict *runstore.ExecutionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ExecutionConflictError, got %v", err)
	}
	if conflict.ActiveTurn != 1 {
		t.Fatalf("expected active turn 1, got %d", conflict.ActiveTurn)
	}
}

func TestAdvanceStepUnknownExecution(t *testing.T) {
	ctx := context.Background()
	stub := newStubModules(t)
	driver, _ := newTestDriver(t, stub, time.Second)

	_, _, err := driver.AdvanceStep(ctx, 4)
	if !errors.Is(err, runstore.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}
