package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

// ErrExecutionExists reports that a turn_execution row already exists for
// the (run, turn) pair.
var ErrExecutionExists = errors.New("turn execution already exists")

// ErrExecutionNotFound reports a missing turn_execution row.
var ErrExecutionNotFound = errors.New("turn execution not found")

// ExecutionConflictError reports that another turn's execution is still
// running for this run. At most one live execution may exist per run.
type ExecutionConflictError struct {
	ActiveTurn int
}

func (e *ExecutionConflictError) Error() string {
	return fmt.Sprintf("an execution for turn %d is still running", e.ActiveTurn)
}

// TurnExecution is the running or completed state of one turn's pipeline.
type TurnExecution struct {
	RunID         string                 `json:"runId"`
	Turn          int                    `json:"turn"`
	Mode          contract.ExecutionMode `json:"mode"`
	Cursor        int                    `json:"cursor"`
	Completed     bool                   `json:"completed"`
	PlayerInput   string                 `json:"playerInput"`
	PlayerID      string                 `json:"playerId"`
	RequestID     string                 `json:"requestId"`
	GameProjectID string                 `json:"gameProjectId"`
	Checkpoint    *contract.Checkpoint   `json:"checkpoint,omitempty"`
	Result        *contract.TurnResult   `json:"result,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// CreateTurnExecution inserts a fresh execution row at cursor 0. It fails
// with an ExecutionConflictError when any non-completed execution exists
// for the run (including one for the same turn), and with
// ErrExecutionExists when a completed (run, turn) row is already present.
func (s *Store) CreateTurnExecution(ctx context.Context, exec TurnExecution) error {
	if err := ctx.Err(); err != nil {
		return storeErr("create turn execution", err)
	}
	if strings.TrimSpace(exec.RequestID) == "" {
		return storeErr("create turn execution", fmt.Errorf("request id is required"))
	}

	active, err := s.ActiveExecution(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		return &ExecutionConflictError{ActiveTurn: active.Turn}
	}

	checkpoint := exec.Checkpoint
	if checkpoint == nil {
		checkpoint = contract.NewCheckpoint()
	}
	checkpointJSON, err := marshalJSON("create turn execution", checkpoint)
	if err != nil {
		return err
	}

	now := toMillis(time.Now())
	_, execErr := s.sqlDB.ExecContext(ctx, `
INSERT INTO turn_execution (
	run_id, turn, mode, cursor, completed, player_input, player_id, request_id,
	game_project_id, checkpoint, result, created_at, updated_at
) VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		s.runID, exec.Turn, string(exec.Mode), exec.PlayerInput, exec.PlayerID,
		exec.RequestID, exec.GameProjectID, checkpointJSON, now, now)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return fmt.Errorf("%w: run %s turn %d", ErrExecutionExists, s.runID, exec.Turn)
		}
		return storeErr("create turn execution", execErr)
	}
	return nil
}

// DeleteTurnExecution removes an execution row so a turn can be retried
// from scratch. Pipeline events already appended for the turn remain.
func (s *Store) DeleteTurnExecution(ctx context.Context, turn int) error {
	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM turn_execution WHERE run_id = ? AND turn = ?`, s.runID, turn)
	return storeErr("delete turn execution", err)
}

// UpdateTurnExecutionProgress advances the execution cursor and persists
// the checkpoint. Cursor moves are monotonic; completed rows are terminal.
func (s *Store) UpdateTurnExecutionProgress(ctx context.Context, turn, cursor int, checkpoint *contract.Checkpoint, completed bool, result *contract.TurnResult) error {
	if err := ctx.Err(); err != nil {
		return storeErr("update turn execution", err)
	}

	current, err := s.GetTurnExecution(ctx, turn)
	if err != nil {
		return err
	}
	if current.Completed {
		return storeErr("update turn execution", fmt.Errorf("execution for turn %d is terminal", turn))
	}
	if cursor < current.Cursor {
		return storeErr("update turn execution",
			fmt.Errorf("cursor must not move backwards: %d < %d", cursor, current.Cursor))
	}

	checkpointJSON, err := marshalJSON("update turn execution", checkpoint)
	if err != nil {
		return err
	}
	resultJSON := sql.NullString{}
	if result != nil {
		encoded, err := marshalJSON("update turn execution", result)
		if err != nil {
			return err
		}
		resultJSON = sql.NullString{String: encoded, Valid: true}
	}

	completedInt := 0
	if completed {
		completedInt = 1
	}
	_, execErr := s.sqlDB.ExecContext(ctx, `
UPDATE turn_execution
SET cursor = ?, checkpoint = ?, completed = ?, result = ?, updated_at = ?
WHERE run_id = ? AND turn = ?`,
		cursor, checkpointJSON, completedInt, resultJSON, toMillis(time.Now()), s.runID, turn)
	return storeErr("update turn execution", execErr)
}

// GetTurnExecution loads the execution row for a turn.
func (s *Store) GetTurnExecution(ctx context.Context, turn int) (*TurnExecution, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT run_id, turn, mode, cursor, completed, player_input, player_id, request_id,
	game_project_id, checkpoint, result, created_at, updated_at
FROM turn_execution WHERE run_id = ? AND turn = ?`, s.runID, turn)
	return scanExecution(row)
}

// ActiveExecution returns the run's single non-completed execution, or nil.
func (s *Store) ActiveExecution(ctx context.Context) (*TurnExecution, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT run_id, turn, mode, cursor, completed, player_input, player_id, request_id,
	game_project_id, checkpoint, result, created_at, updated_at
FROM turn_execution WHERE run_id = ? AND completed = 0 ORDER BY turn LIMIT 1`, s.runID)
	exec, err := scanExecution(row)
	if errors.Is(err, ErrExecutionNotFound) {
		return nil, nil
	}
	return exec, err
}

// ReadTurnExecutionCheckpoint loads only the persisted checkpoint.
func (s *Store) ReadTurnExecutionCheckpoint(ctx context.Context, turn int) (*contract.Checkpoint, error) {
	exec, err := s.GetTurnExecution(ctx, turn)
	if err != nil {
		return nil, err
	}
	return exec.Checkpoint, nil
}

func scanExecution(row *sql.Row) (*TurnExecution, error) {
	var (
		exec           TurnExecution
		mode           string
		completed      int
		checkpointJSON string
		resultJSON     sql.NullString
		createdAt      int64
		updatedAt      int64
	)
	err := row.Scan(&exec.RunID, &exec.Turn, &mode, &exec.Cursor, &completed,
		&exec.PlayerInput, &exec.PlayerID, &exec.RequestID, &exec.GameProjectID,
		&checkpointJSON, &resultJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, storeErr("get turn execution", err)
	}

	exec.Mode = contract.ExecutionMode(mode)
	exec.Completed = completed != 0
	exec.CreatedAt = fromMillis(createdAt)
	exec.UpdatedAt = fromMillis(updatedAt)

	var checkpoint contract.Checkpoint
	if err := json.Unmarshal([]byte(checkpointJSON), &checkpoint); err != nil {
		return nil, storeErr("get turn execution", fmt.Errorf("decode checkpoint: %w", err))
	}
	exec.Checkpoint = &checkpoint

	if resultJSON.Valid && strings.TrimSpace(resultJSON.String) != "" {
		var result contract.TurnResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, storeErr("get turn execution", fmt.Errorf("decode result: %w", err))
		}
		exec.Result = &result
	}
	return &exec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
