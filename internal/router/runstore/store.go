// Package runstore owns the per-run durable state: the append-only event
// journal, snapshots, the lore seed, turn executions, and pipeline events.
// Each run is a single SQLite file under the game project's saved folder;
// the folder is authoritative for run discovery.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oakmund/storyrouter/internal/platform/storage/sqlitemigrate"
	"github.com/oakmund/storyrouter/internal/router/runstore/migrations"
)

// DBFileName is the single-file database each run owns.
const DBFileName = "world_state.db"

// SavedDirName is the per-project folder holding run directories.
const SavedDirName = "saved"

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// StoreError wraps any I/O or schema failure surfaced by the store. The
// pipeline treats it as fatal for the turn.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("run store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Store is a write-serialized handle on one run's world_state.db.
type Store struct {
	sqlDB         *sql.DB
	runID         string
	gameProjectID string
	dir           string
}

// RunDir returns the directory owning a run's database.
func RunDir(root, gameProjectID, runID string) string {
	return filepath.Join(root, gameProjectID, SavedDirName, runID)
}

// DBPath returns the database file path for a run.
func DBPath(root, gameProjectID, runID string) string {
	return filepath.Join(RunDir(root, gameProjectID, runID), DBFileName)
}

// LoreEntry is one seeded lore row.
type LoreEntry struct {
	Subject string `json:"subject"`
	Data    string `json:"data"`
	Source  string `json:"source"`
}

// Open opens an existing or new run database and ensures its schema.
// Writes serialize on SQLite's file lock; the WAL journal plus busy timeout
// queue concurrent openers instead of failing them.
func Open(root, gameProjectID, runID string) (*Store, error) {
	if strings.TrimSpace(gameProjectID) == "" {
		return nil, storeErr("open", fmt.Errorf("game project id is required"))
	}
	if strings.TrimSpace(runID) == "" {
		return nil, storeErr("open", fmt.Errorf("run id is required"))
	}

	dir := RunDir(root, gameProjectID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeErr("open", fmt.Errorf("create run dir: %w", err))
	}

	dsn := filepath.Join(dir, DBFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", fmt.Errorf("open sqlite db: %w", err))
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, storeErr("open", fmt.Errorf("ping sqlite db: %w", err))
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, storeErr("open", fmt.Errorf("run migrations: %w", err))
	}

	return &Store{
		sqlDB:         sqlDB,
		runID:         runID,
		gameProjectID: gameProjectID,
		dir:           dir,
	}, nil
}

// Close closes the underlying SQLite database. Nil-safe so callers can
// defer it on every exit path.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RunID returns the run this store belongs to.
func (s *Store) RunID() string { return s.runID }

// GameProjectID returns the owning game project.
func (s *Store) GameProjectID() string { return s.gameProjectID }

// Dir returns the run's saved folder path.
func (s *Store) Dir() string { return s.dir }

// Initialize creates a run folder, its schema, the seed snapshot at turn 0,
// and the lore seed. Calling it on an already-initialized folder is a no-op.
func Initialize(ctx context.Context, root, gameProjectID, runID string, lore []LoreEntry) error {
	store, err := Open(root, gameProjectID, runID)
	if err != nil {
		return err
	}
	defer store.Close()

	initialized, err := store.metaValue(ctx, "initialized")
	if err != nil {
		return err
	}
	if initialized == "1" {
		return nil
	}

	now := time.Now().UTC()

	// The seed snapshot keeps its empty collections explicit so downstream
	// readers see the full world shape from turn 0.
	seedWorld := map[string]any{
		"gameProjectId": gameProjectID,
		"entities":      []any{},
		"facts":         []any{},
		"anchors":       []any{},
	}
	seedView := map[string]any{
		"player": map[string]any{"observations": []any{}},
	}
	if err := store.AppendSnapshot(ctx, 0, seedWorld, seedView); err != nil {
		return err
	}

	for _, entry := range lore {
		if err := store.PutLore(ctx, entry); err != nil {
			return err
		}
	}

	for key, value := range map[string]string{
		"initialized":     "1",
		"run_id":          runID,
		"game_project_id": gameProjectID,
		"created_at":      fmt.Sprintf("%d", toMillis(now)),
	} {
		if err := store.putMeta(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putMeta(ctx context.Context, key, value string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return storeErr("put meta", err)
}

func (s *Store) metaValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr("read meta", err)
	}
	return value, nil
}

// CreatedAt returns the run creation time recorded at initialization.
func (s *Store) CreatedAt(ctx context.Context) (time.Time, error) {
	value, err := s.metaValue(ctx, "created_at")
	if err != nil {
		return time.Time{}, err
	}
	if value == "" {
		return time.Time{}, nil
	}
	var millis int64
	if _, err := fmt.Sscanf(value, "%d", &millis); err != nil {
		return time.Time{}, storeErr("read created_at", err)
	}
	return fromMillis(millis), nil
}

func marshalJSON(op string, value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", storeErr(op, fmt.Errorf("marshal: %w", err))
	}
	return string(encoded), nil
}
