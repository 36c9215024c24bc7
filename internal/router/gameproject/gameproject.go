// Package gameproject loads game project manifests and the lore corpus a
// run is seeded from.
package gameproject

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oakmund/storyrouter/internal/router/runstore"
)

// ErrNotFound reports a missing game project directory or manifest.
var ErrNotFound = errors.New("game project not found")

// Manifest describes a game project. Modules maps a module role to a
// binding the registry resolves; absolute HTTP bindings win over
// environment URLs.
type Manifest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Modules     map[string]string `json:"modules,omitempty"`
}

// LoadManifest reads <root>/<id>/manifest.json.
func LoadManifest(root, id string) (*Manifest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	path := filepath.Join(root, id, "manifest.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if manifest.ID == "" {
		manifest.ID = id
	}
	return &manifest, nil
}

// WorldContextSubject is the lore subject holding the project's world brief.
const WorldContextSubject = "world_context"

// LoadLore reads the game project's lore corpus: lore/world.md becomes the
// world_context entry, and lore/default_lore_entries.csv contributes one
// entry per row. Missing files are tolerated; a project may ship either,
// both, or neither.
func LoadLore(root, id string) ([]runstore.LoreEntry, error) {
	loreDir := filepath.Join(root, id, "lore")
	var entries []runstore.LoreEntry

	worldPath := filepath.Join(loreDir, "world.md")
	world, err := os.ReadFile(worldPath)
	if err == nil && len(strings.TrimSpace(string(world))) > 0 {
		entries = append(entries, runstore.LoreEntry{
			Subject: WorldContextSubject,
			Data:    string(world),
			Source:  "lore/world.md",
		})
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read world lore: %w", err)
	}

	csvEntries, err := loadLoreCSV(filepath.Join(loreDir, "default_lore_entries.csv"))
	if err != nil {
		return nil, err
	}
	entries = append(entries, csvEntries...)
	return entries, nil
}

// loadLoreCSV parses the seed table. The header row must name a "subject"
// column and one of "data", "description", or "entry" for the body.
func loadLoreCSV(path string) ([]runstore.LoreEntry, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open lore csv: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lore csv header: %w", err)
	}

	subjectCol, dataCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "subject":
			subjectCol = i
		case "data", "description", "entry":
			if dataCol == -1 {
				dataCol = i
			}
		}
	}
	if subjectCol == -1 || dataCol == -1 {
		return nil, fmt.Errorf("lore csv %s: header must name subject and data columns", path)
	}

	var entries []runstore.LoreEntry
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read lore csv line %d: %w", line, err)
		}
		if subjectCol >= len(record) || dataCol >= len(record) {
			continue
		}
		subject := strings.TrimSpace(record[subjectCol])
		if subject == "" {
			continue
		}
		entries = append(entries, runstore.LoreEntry{
			Subject: subject,
			Data:    strings.TrimSpace(record[dataCol]),
			Source:  "lore/default_lore_entries.csv",
		})
	}
	return entries, nil
}
