package pipeline

import (
	"fmt"
	"strings"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

// Refusal sentences are deterministic so a refused turn is reproducible
// from the intent output alone.
const (
	refusalNoAttackTarget = "Refused: no valid attack target is currently in scope."
	refusalAmbiguous      = "Refused: action is ambiguous and cannot be safely resolved."
)

// refusalFromIntent derives a refusal reason from the extracted candidates.
// An out-of-scope target outranks an ambiguity refusal.
func refusalFromIntent(intent *contract.ActionCandidates) string {
	for _, candidate := range intent.Candidates {
		if !candidate.HasTag(contract.TagNoTargetInScope) {
			continue
		}
		if candidate.Intent == "attack" {
			return refusalNoAttackTarget
		}
		readable := strings.ReplaceAll(candidate.Intent, "_", " ")
		return fmt.Sprintf("Refused: no valid target is in scope for %s.", readable)
	}
	for _, candidate := range intent.Candidates {
		if candidate.HasTag(contract.TagNeedsClarification) {
			return refusalAmbiguous
		}
	}
	return ""
}

// refusalFromPreCheck derives a refusal reason from the loremaster
// pre-check. The first assessment bearing no_target_in_scope contributes
// its rationale; an empty result leaves any earlier refusal in place.
func refusalFromPreCheck(pre *contract.LoremasterOutput) string {
	for _, assessment := range pre.Assessments {
		if assessment.HasTag(contract.TagNoTargetInScope) {
			return "Refused: " + assessment.Rationale
		}
	}
	return ""
}

// refusalDiff synthesizes the committed diff for a refused turn: a single
// player-scoped observation carrying the refusal sentence.
func refusalDiff(turn int, reason string) *contract.CommittedDiff {
	return &contract.CommittedDiff{
		Turn: turn,
		Operations: []contract.DiffOperation{
			{
				Op:      contract.OpObservation,
				Scope:   contract.ScopeViewPlayer,
				Payload: map[string]any{"text": reason},
				Reason:  "refused action",
			},
		},
		Summary: reason,
	}
}
