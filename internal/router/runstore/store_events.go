package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

// Event is one persisted append-only journal row.
type Event struct {
	ID        int64
	Turn      int
	EventType contract.EventType
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AppendEvent inserts an append-only event row.
func (s *Store) AppendEvent(ctx context.Context, turn int, eventType contract.EventType, payload any) error {
	if err := ctx.Err(); err != nil {
		return storeErr("append event", err)
	}
	if s == nil || s.sqlDB == nil {
		return storeErr("append event", fmt.Errorf("storage is not configured"))
	}

	encoded, err := marshalJSON("append event", payload)
	if err != nil {
		return err
	}
	_, execErr := s.sqlDB.ExecContext(ctx, `
INSERT INTO events (turn, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		turn, string(eventType), encoded, toMillis(time.Now()))
	return storeErr("append event", execErr)
}

// ListEvents returns all events ordered by (turn ASC, id ASC).
func (s *Store) ListEvents(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list events", err)
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, turn, event_type, payload, created_at FROM events ORDER BY turn ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt       Event
			eventType string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&evt.ID, &evt.Turn, &eventType, &payload, &createdAt); err != nil {
			return nil, storeErr("list events", err)
		}
		evt.EventType = contract.EventType(eventType)
		evt.Payload = json.RawMessage(payload)
		evt.CreatedAt = fromMillis(createdAt)
		events = append(events, evt)
	}
	return events, storeErr("list events", rows.Err())
}

// CountEvents returns how many events of a type exist for a turn.
func (s *Store) CountEvents(ctx context.Context, turn int, eventType contract.EventType) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM events WHERE turn = ? AND event_type = ?`, turn, string(eventType)).Scan(&count)
	return count, storeErr("count events", err)
}

// AppendSnapshot inserts the snapshot row for a committed turn.
func (s *Store) AppendSnapshot(ctx context.Context, turn int, world, view any) error {
	if err := ctx.Err(); err != nil {
		return storeErr("append snapshot", err)
	}
	worldJSON, err := marshalJSON("append snapshot", world)
	if err != nil {
		return err
	}
	viewJSON, err := marshalJSON("append snapshot", view)
	if err != nil {
		return err
	}
	_, execErr := s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (turn, world_state, view_state, created_at) VALUES (?, ?, ?, ?)`,
		turn, worldJSON, viewJSON, toMillis(time.Now()))
	return storeErr("append snapshot", execErr)
}

// MaxSnapshotTurn returns the highest snapshot turn, or -1 when no
// snapshot exists yet.
func (s *Store) MaxSnapshotTurn(ctx context.Context) (int, error) {
	var turn int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT COALESCE(MAX(turn), -1) FROM snapshots").Scan(&turn)
	return turn, storeErr("max snapshot turn", err)
}

// ExpectedTurn returns the only turn index the run accepts next.
func (s *Store) ExpectedTurn(ctx context.Context) (int, error) {
	maxTurn, err := s.MaxSnapshotTurn(ctx)
	if err != nil {
		return 0, err
	}
	if maxTurn < 0 {
		return 1, nil
	}
	return maxTurn + 1, nil
}

// AppendPipelineEvent appends one pipeline event for a turn. The event's
// step number must be exactly one past the current count so the sequence
// stays contiguous from 1.
func (s *Store) AppendPipelineEvent(ctx context.Context, turn int, event contract.PipelineEvent) error {
	if err := ctx.Err(); err != nil {
		return storeErr("append pipeline event", err)
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pipeline_events WHERE run_id = ? AND turn = ?`, s.runID, turn).Scan(&count); err != nil {
		return storeErr("append pipeline event", err)
	}
	if event.StepNumber != count+1 {
		return storeErr("append pipeline event",
			fmt.Errorf("step number %d breaks contiguity, expected %d", event.StepNumber, count+1))
	}

	encoded, err := marshalJSON("append pipeline event", event)
	if err != nil {
		return err
	}
	_, execErr := s.sqlDB.ExecContext(ctx, `
INSERT INTO pipeline_events (run_id, turn, step_number, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.runID, turn, event.StepNumber, encoded, toMillis(time.Now()))
	return storeErr("append pipeline event", execErr)
}

// NextStepNumber returns the step number the next pipeline event must carry.
func (s *Store) NextStepNumber(ctx context.Context, turn int) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pipeline_events WHERE run_id = ? AND turn = ?`, s.runID, turn).Scan(&count)
	if err != nil {
		return 0, storeErr("next step number", err)
	}
	return count + 1, nil
}

// ListPipelineEvents returns a turn's pipeline events ordered by step number.
func (s *Store) ListPipelineEvents(ctx context.Context, turn int) ([]contract.PipelineEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list pipeline events", err)
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT payload FROM pipeline_events WHERE run_id = ? AND turn = ? ORDER BY step_number ASC`, s.runID, turn)
	if err != nil {
		return nil, storeErr("list pipeline events", err)
	}
	defer rows.Close()

	var events []contract.PipelineEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("list pipeline events", err)
		}
		var event contract.PipelineEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, storeErr("list pipeline events", fmt.Errorf("decode payload: %w", err))
		}
		events = append(events, event)
	}
	return events, storeErr("list pipeline events", rows.Err())
}
