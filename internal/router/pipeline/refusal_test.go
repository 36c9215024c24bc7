package pipeline

import (
	"testing"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

func TestRefusalFromIntentAttack(t *testing.T) {
	intent := &contract.ActionCandidates{
		Candidates: []contract.ActionCandidate{
			{Intent: "attack", ConsequenceTags: []string{contract.TagNoTargetInScope}},
		},
	}
	got := refusalFromIntent(intent)
	if got != "Refused: no valid attack target is currently in scope." {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestRefusalFromIntentUnderscoreSpacing(t *testing.T) {
	intent := &contract.ActionCandidates{
		Candidates: []contract.ActionCandidate{
			{Intent: "inspect_cargo_hold", ConsequenceTags: []string{contract.TagNoTargetInScope}},
		},
	}
	got := refusalFromIntent(intent)
	if got != "Refused: no valid target is in scope for inspect cargo hold." {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestRefusalFromIntentClarification(t *testing.T) {
	intent := &contract.ActionCandidates{
		Candidates: []contract.ActionCandidate{
			{Intent: "attack", ConsequenceTags: []string{contract.TagNeedsClarification}},
		},
	}
	got := refusalFromIntent(intent)
	if got != "Refused: action is ambiguous and cannot be safely resolved." {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestRefusalNoTargetOutranksClarification(t *testing.T) {
	intent := &contract.ActionCandidates{
		Candidates: []contract.ActionCandidate{
			{Intent: "attack", ConsequenceTags: []string{contract.TagNeedsClarification}},
			{Intent: "attack", ConsequenceTags: []string{contract.TagNoTargetInScope}},
		},
	}
	got := refusalFromIntent(intent)
	if got != "Refused: no valid attack target is currently in scope." {
		t.Fatalf("expected no-target refusal to win, got %q", got)
	}
}

func TestRefusalFromIntentCleanCandidates(t *testing.T) {
	intent := &contract.ActionCandidates{
		Candidates: []contract.ActionCandidate{
			{Intent: "inspect_environment", ConsequenceTags: []string{contract.TagNoiseGenerated}},
		},
	}
	if got := refusalFromIntent(intent); got != "" {
		t.Fatalf("expected no refusal, got %q", got)
	}
}

func TestRefusalFromPreCheckUsesFirstMatch(t *testing.T) {
	pre := &contract.LoremasterOutput{
		Assessments: []contract.LoreAssessment{
			{CandidateIndex: 0, Status: contract.AssessmentAllowed, Rationale: "fine"},
			{CandidateIndex: 1, Status: contract.AssessmentNeedsClarification,
				ConsequenceTags: []string{contract.TagNoTargetInScope},
				Rationale:       "no such anchor exists"},
			{CandidateIndex: 2, Status: contract.AssessmentNeedsClarification,
				ConsequenceTags: []string{contract.TagNoTargetInScope},
				Rationale:       "later rationale must not win"},
		},
	}
	got := refusalFromPreCheck(pre)
	if got != "Refused: no such anchor exists" {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestRefusalFromPreCheckEmpty(t *testing.T) {
	pre := &contract.LoremasterOutput{
		Assessments: []contract.LoreAssessment{
			{CandidateIndex: 0, Status: contract.AssessmentAllowed, Rationale: "fine"},
		},
	}
	if got := refusalFromPreCheck(pre); got != "" {
		t.Fatalf("expected no refusal, got %q", got)
	}
}

func TestRefusalDiffShape(t *testing.T) {
	reason := "Refused: no valid attack target is currently in scope."
	diff := refusalDiff(3, reason)
	if diff.Turn != 3 {
		t.Fatalf("expected turn 3, got %d", diff.Turn)
	}
	if len(diff.Operations) != 1 {
		t.Fatalf("expected exactly one operation, got %d", len(diff.Operations))
	}
	op := diff.Operations[0]
	if op.Op != contract.OpObservation || op.Scope != contract.ScopeViewPlayer {
		t.Fatalf("unexpected operation %+v", op)
	}
	if op.Payload["text"] != reason {
		t.Fatalf("expected refusal text, got %v", op.Payload["text"])
	}
}

func TestCommitDiffSummary(t *testing.T) {
	proposal := contract.ProposedDiff{
		ModuleName: "default_simulator",
		Operations: []contract.DiffOperation{
			{Op: contract.OpObservation, Scope: contract.ScopeViewPlayer, Payload: map[string]any{"text": "ok"}},
		},
	}
	diff := commitDiff(2, proposal)
	if diff.Turn != 2 {
		t.Fatalf("expected turn 2, got %d", diff.Turn)
	}
	if diff.Summary != "Action resolved with router-managed module pipeline." {
		t.Fatalf("unexpected summary %q", diff.Summary)
	}
	if len(diff.Operations) != 1 {
		t.Fatalf("expected proposal operations carried over, got %d", len(diff.Operations))
	}
}
