// Package migrations embeds the run store schema.
package migrations

import "embed"

// FS holds the embedded SQL migrations for a run's world_state.db.
//
//go:embed *.sql
var FS embed.FS
