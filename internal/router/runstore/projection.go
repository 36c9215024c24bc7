package runstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

// ChatMessage is one transcript entry in the player-facing view.
type ChatMessage struct {
	Turn int    `json:"turn"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// Transcript roles.
const (
	RolePlayer = "player"
	RoleEngine = "engine"
)

// DebugEntry exposes one committed turn's full module trace.
type DebugEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Turn      int             `json:"turn"`
	Trace     json.RawMessage `json:"trace"`
}

// SessionState is the reconstituted view of a run.
type SessionState struct {
	Messages     []ChatMessage `json:"messages"`
	DebugEntries []DebugEntry  `json:"debugEntries"`
	NextTurn     int           `json:"nextTurn"`
}

// ReadSessionState folds the persisted events into the chat transcript and
// per-turn debug trace. It is a pure function of the stored rows: reading
// twice yields the same result.
func (s *Store) ReadSessionState(ctx context.Context) (*SessionState, error) {
	events, err := s.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	state := &SessionState{
		Messages:     []ChatMessage{},
		DebugEntries: []DebugEntry{},
	}
	for _, evt := range events {
		switch evt.EventType {
		case contract.EventPlayerInput:
			var payload contract.PlayerInputPayload
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				return nil, storeErr("read session state", err)
			}
			state.Messages = append(state.Messages, ChatMessage{
				Turn: evt.Turn,
				Role: RolePlayer,
				Text: payload.Text,
			})
		case contract.EventModuleTrace:
			var trace struct {
				NarrationText string `json:"narrationText"`
			}
			if err := json.Unmarshal(evt.Payload, &trace); err != nil {
				return nil, storeErr("read session state", err)
			}
			state.Messages = append(state.Messages, ChatMessage{
				Turn: evt.Turn,
				Role: RoleEngine,
				Text: trace.NarrationText,
			})
			state.DebugEntries = append(state.DebugEntries, DebugEntry{
				Timestamp: evt.CreatedAt,
				Turn:      evt.Turn,
				Trace:     evt.Payload,
			})
		}
	}

	nextTurn, err := s.ExpectedTurn(ctx)
	if err != nil {
		return nil, err
	}
	state.NextTurn = nextTurn
	return state, nil
}
