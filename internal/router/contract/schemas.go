package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Consequence tags modules may attach to action candidates and assessments.
const (
	TagNeedsClarification = "needs_clarification"
	TagNoTargetInScope    = "no_target_in_scope"
	TagPartialSuccessOnly = "partial_success_only"
	TagHighRiskExposure   = "high_risk_exposure"
	TagResourceCost       = "resource_cost_applies"
	TagSocialBacklash     = "social_backlash"
	TagNoiseGenerated     = "noise_generated"
)

var knownConsequenceTags = map[string]bool{
	TagNeedsClarification: true,
	TagNoTargetInScope:    true,
	TagPartialSuccessOnly: true,
	TagHighRiskExposure:   true,
	TagResourceCost:       true,
	TagSocialBacklash:     true,
	TagNoiseGenerated:     true,
}

// ActionCandidate is one interpretation of the raw player input.
type ActionCandidate struct {
	ActorID               string         `json:"actorId"`
	Intent                string         `json:"intent"`
	Confidence            float64        `json:"confidence"`
	Params                map[string]any `json:"params,omitempty"`
	ConsequenceTags       []string       `json:"consequenceTags,omitempty"`
	ClarificationQuestion string         `json:"clarificationQuestion,omitempty"`
}

// HasTag reports whether the candidate carries the given consequence tag.
func (c ActionCandidate) HasTag(tag string) bool {
	for _, t := range c.ConsequenceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// ActionCandidates is the intent extractor output.
type ActionCandidates struct {
	RawInput   string            `json:"rawInput"`
	Candidates []ActionCandidate `json:"candidates"`
}

// Validate checks the intent extractor schema.
func (a *ActionCandidates) Validate() error {
	if len(a.Candidates) == 0 {
		return fmt.Errorf("candidates are required")
	}
	for i := range a.Candidates {
		c := &a.Candidates[i]
		if strings.TrimSpace(c.Intent) == "" {
			return fmt.Errorf("candidate %d: intent is required", i)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return fmt.Errorf("candidate %d: confidence %v out of range [0,1]", i, c.Confidence)
		}
		for _, tag := range c.ConsequenceTags {
			if !knownConsequenceTags[tag] {
				return fmt.Errorf("candidate %d: unknown consequence tag %q", i, tag)
			}
		}
		// An empty clarification question is treated as absent.
		c.ClarificationQuestion = strings.TrimSpace(c.ClarificationQuestion)
	}
	return nil
}

// LoreEvidence is one scored retrieval hit.
type LoreEvidence struct {
	Source  string  `json:"source"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// LoreRetrieval is the loremaster retrieve output.
type LoreRetrieval struct {
	Query    string         `json:"query"`
	Evidence []LoreEvidence `json:"evidence"`
	Summary  string         `json:"summary"`
}

// Validate checks the retrieval schema.
func (l *LoreRetrieval) Validate() error {
	for i, ev := range l.Evidence {
		if strings.TrimSpace(ev.Source) == "" {
			return fmt.Errorf("evidence %d: source is required", i)
		}
	}
	return nil
}

// Assessment statuses the loremaster pre-check may return.
const (
	AssessmentAllowed            = "allowed"
	AssessmentAllowedWithConseq  = "allowed_with_consequences"
	AssessmentNeedsClarification = "needs_clarification"
)

// LoreAssessment judges one action candidate against the lore corpus.
type LoreAssessment struct {
	CandidateIndex        int      `json:"candidateIndex"`
	Status                string   `json:"status"`
	ConsequenceTags       []string `json:"consequenceTags,omitempty"`
	ClarificationQuestion string   `json:"clarificationQuestion,omitempty"`
	Rationale             string   `json:"rationale"`
}

// HasTag reports whether the assessment carries the given consequence tag.
func (a LoreAssessment) HasTag(tag string) bool {
	for _, t := range a.ConsequenceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// LoremasterOutput is the loremaster pre-check output.
type LoremasterOutput struct {
	Assessments []LoreAssessment `json:"assessments"`
	Summary     string           `json:"summary"`
}

// Validate checks the pre-check schema.
func (l *LoremasterOutput) Validate() error {
	if len(l.Assessments) == 0 {
		return fmt.Errorf("assessments are required")
	}
	for i := range l.Assessments {
		a := &l.Assessments[i]
		if a.CandidateIndex < 0 {
			return fmt.Errorf("assessment %d: candidate index must be non-negative", i)
		}
		switch a.Status {
		case AssessmentAllowed, AssessmentAllowedWithConseq, AssessmentNeedsClarification:
		default:
			return fmt.Errorf("assessment %d: unknown status %q", i, a.Status)
		}
		for _, tag := range a.ConsequenceTags {
			if !knownConsequenceTags[tag] {
				return fmt.Errorf("assessment %d: unknown consequence tag %q", i, tag)
			}
		}
		a.ClarificationQuestion = strings.TrimSpace(a.ClarificationQuestion)
	}
	return nil
}

// Post-check statuses.
const (
	PostStatusConsistent      = "consistent"
	PostStatusNeedsAdjustment = "needs_adjustment"
)

// LoremasterPostOutput is the loremaster post-check output.
type LoremasterPostOutput struct {
	Status      string   `json:"status"`
	Rationale   string   `json:"rationale"`
	MustInclude []string `json:"mustInclude"`
	MustAvoid   []string `json:"mustAvoid"`
}

// Validate checks the post-check schema.
func (l *LoremasterPostOutput) Validate() error {
	switch l.Status {
	case PostStatusConsistent, PostStatusNeedsAdjustment:
		return nil
	default:
		return fmt.Errorf("unknown post-check status %q", l.Status)
	}
}

// Diff operation kinds and scopes.
const (
	OpUpsertFact   = "upsert_fact"
	OpRemoveFact   = "remove_fact"
	OpUpsertEntity = "upsert_entity"
	OpObservation  = "observation"
	OpDetection    = "detection"

	ScopeWorld      = "world"
	ScopeViewPlayer = "view:player"
)

// DiffOperation is one proposed or committed state change.
type DiffOperation struct {
	Op      string         `json:"op"`
	Scope   string         `json:"scope"`
	Payload map[string]any `json:"payload"`
	Reason  string         `json:"reason,omitempty"`
}

func (o DiffOperation) validate(pos int) error {
	switch o.Op {
	case OpUpsertFact, OpRemoveFact, OpUpsertEntity, OpObservation, OpDetection:
	default:
		return fmt.Errorf("operation %d: unknown op %q", pos, o.Op)
	}
	switch o.Scope {
	case ScopeWorld, ScopeViewPlayer:
	default:
		return fmt.Errorf("operation %d: unknown scope %q", pos, o.Scope)
	}
	return nil
}

// ProposedDiff is a simulator or arbiter-selected set of operations.
type ProposedDiff struct {
	ModuleName string          `json:"moduleName"`
	Operations []DiffOperation `json:"operations"`
}

// Validate checks the proposal schema.
func (p *ProposedDiff) Validate() error {
	if strings.TrimSpace(p.ModuleName) == "" {
		return fmt.Errorf("module name is required")
	}
	for i, op := range p.Operations {
		if err := op.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// CommittedDiff is the durable result of a turn.
type CommittedDiff struct {
	Turn       int             `json:"turn"`
	Operations []DiffOperation `json:"operations"`
	Summary    string          `json:"summary"`
}

// Arbiter decisions.
const (
	DecisionAccept            = "accept"
	DecisionRequestRerun      = "request_rerun"
	DecisionChooseAlternative = "choose_alternative"
)

// ArbiterDecision selects the proposal that will be committed.
type ArbiterDecision struct {
	Decision          string         `json:"decision"`
	SelectedProposal  ProposedDiff   `json:"selectedProposal"`
	Rationale         string         `json:"rationale"`
	RerunHints        []string       `json:"rerunHints,omitempty"`
	SelectionMetadata map[string]any `json:"selectionMetadata,omitempty"`
}

// Validate checks the arbiter schema.
func (a *ArbiterDecision) Validate() error {
	switch a.Decision {
	case DecisionAccept, DecisionRequestRerun, DecisionChooseAlternative:
	default:
		return fmt.Errorf("unknown decision %q", a.Decision)
	}
	return a.SelectedProposal.Validate()
}

// NarrationOutput is the proser output.
type NarrationOutput struct {
	NarrationText string `json:"narrationText"`
}

// Validate checks the proser schema.
func (n *NarrationOutput) Validate() error {
	if strings.TrimSpace(n.NarrationText) == "" {
		return fmt.Errorf("narration text is required")
	}
	return nil
}

// DecodeStrict unmarshals data into target rejecting unknown fields, then
// runs the target's Validate method. Modules that drift from the schema fail
// here rather than propagating malformed state downstream.
func DecodeStrict(data []byte, target interface{ Validate() error }) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	return target.Validate()
}
