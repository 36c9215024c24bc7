package contract

import (
	"encoding/json"
	"time"
)

// Checkpoint accumulates stage outputs across one turn. It is serialized
// into the turn_execution row between stages so step mode and post-error
// retries can resume from durable state.
type Checkpoint struct {
	Intent          *ActionCandidates          `json:"intent,omitempty"`
	LoreRetrieval   *LoreRetrieval             `json:"loreRetrieval,omitempty"`
	LoremasterPre   *LoremasterOutput          `json:"loremasterPre,omitempty"`
	Proposal        *ProposedDiff              `json:"proposal,omitempty"`
	LorePost        *LoremasterPostOutput      `json:"lorePost,omitempty"`
	Committed       *CommittedDiff             `json:"committed,omitempty"`
	ArbiterDecision *ArbiterDecision           `json:"arbiterDecision,omitempty"`
	NarrationText   string                     `json:"narrationText,omitempty"`
	Warnings        []string                   `json:"warnings"`
	LLMConversation map[string]json.RawMessage `json:"llmConversations"`
	RefusalReason   string                     `json:"refusalReason,omitempty"`
}

// NewCheckpoint returns an empty checkpoint with initialized collections.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		Warnings:        []string{},
		LLMConversation: map[string]json.RawMessage{},
	}
}

// MergeModuleMeta folds a module's warnings and conversation trace into the
// checkpoint. The trace is keyed by stage so repeated loremaster calls do
// not clobber each other.
func (c *Checkpoint) MergeModuleMeta(stage Stage, warnings []string, conversation json.RawMessage) {
	c.Warnings = append(c.Warnings, warnings...)
	if len(conversation) > 0 {
		if c.LLMConversation == nil {
			c.LLMConversation = map[string]json.RawMessage{}
		}
		c.LLMConversation[string(stage)] = conversation
	}
}

// PipelineEvent records one stage invocation, skip, or failure.
type PipelineEvent struct {
	StepNumber int             `json:"stepNumber"`
	Stage      Stage           `json:"stage"`
	Endpoint   string          `json:"endpoint,omitempty"`
	Status     PipelineStatus  `json:"status"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// TurnResult is the player-facing outcome stored on the execution row.
type TurnResult struct {
	NarrationText string   `json:"narrationText,omitempty"`
	Warnings      []string `json:"warnings"`
}

// Refusal records why a turn was deterministically refused.
type Refusal struct {
	Reason string `json:"reason"`
}

// LoremasterTrace groups the three loremaster stage outputs.
type LoremasterTrace struct {
	Retrieval *LoreRetrieval        `json:"retrieval,omitempty"`
	Pre       *LoremasterOutput     `json:"pre,omitempty"`
	Post      *LoremasterPostOutput `json:"post,omitempty"`
}

// TurnTrace is the complete module_trace event payload for a committed turn.
type TurnTrace struct {
	Turn             int                        `json:"turn"`
	PlayerInput      string                     `json:"playerInput"`
	Intent           *ActionCandidates          `json:"intent,omitempty"`
	Loremaster       LoremasterTrace            `json:"loremaster"`
	Proposal         *ProposedDiff              `json:"proposal,omitempty"`
	Arbiter          *ArbiterDecision           `json:"arbiter,omitempty"`
	Committed        *CommittedDiff             `json:"committed,omitempty"`
	Refusal          *Refusal                   `json:"refusal,omitempty"`
	Warnings         []string                   `json:"warnings"`
	NarrationText    string                     `json:"narrationText"`
	PipelineEvents   []PipelineEvent            `json:"pipelineEvents"`
	LLMConversations map[string]json.RawMessage `json:"llmConversations"`
}

// PlayerInputPayload is the player_input event payload.
type PlayerInputPayload struct {
	Text     string `json:"text"`
	PlayerID string `json:"playerId"`
}

// WorldState is the snapshot world projection written per committed turn.
type WorldState struct {
	GameProjectID string   `json:"gameProjectId,omitempty"`
	Entities      []any    `json:"entities,omitempty"`
	Facts         []any    `json:"facts,omitempty"`
	Anchors       []string `json:"anchors,omitempty"`
	LastSummary   string   `json:"lastSummary,omitempty"`
}

// ViewState is the snapshot player-view projection.
type ViewState struct {
	Player          *PlayerView     `json:"player,omitempty"`
	LastObservation []DiffOperation `json:"lastObservation,omitempty"`
}

// PlayerView holds facts the player has observed.
type PlayerView struct {
	Observations []any `json:"observations"`
}
