package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PutLore upserts one lore entry.
func (s *Store) PutLore(ctx context.Context, entry LoreEntry) error {
	if err := ctx.Err(); err != nil {
		return storeErr("put lore", err)
	}
	if strings.TrimSpace(entry.Subject) == "" {
		return storeErr("put lore", fmt.Errorf("subject is required"))
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO lore (subject, data, source, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(subject) DO UPDATE SET data = excluded.data, source = excluded.source`,
		entry.Subject, entry.Data, entry.Source, toMillis(time.Now()))
	return storeErr("put lore", err)
}

// GetLore loads one lore entry by subject.
func (s *Store) GetLore(ctx context.Context, subject string) (*LoreEntry, error) {
	var entry LoreEntry
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT subject, data, source FROM lore WHERE subject = ?`, subject).
		Scan(&entry.Subject, &entry.Data, &entry.Source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get lore", err)
	}
	return &entry, nil
}

// ListLore returns all seeded lore entries ordered by subject.
func (s *Store) ListLore(ctx context.Context) ([]LoreEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT subject, data, source FROM lore ORDER BY subject ASC`)
	if err != nil {
		return nil, storeErr("list lore", err)
	}
	defer rows.Close()

	var entries []LoreEntry
	for rows.Next() {
		var entry LoreEntry
		if err := rows.Scan(&entry.Subject, &entry.Data, &entry.Source); err != nil {
			return nil, storeErr("list lore", err)
		}
		entries = append(entries, entry)
	}
	return entries, storeErr("list lore", rows.Err())
}
