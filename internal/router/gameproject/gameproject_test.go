package gameproject

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeProject(t *testing.T, root, id string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, id, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"manifest.json": `{
			"id": "desert-crawler",
			"name": "Desert Crawler",
			"modules": {"loremaster": "http://lore.example:8200"}
		}`,
	})

	manifest, err := LoadManifest(root, "desert-crawler")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if manifest.Name != "Desert Crawler" {
		t.Fatalf("unexpected name %q", manifest.Name)
	}
	if manifest.Modules["loremaster"] != "http://lore.example:8200" {
		t.Fatalf("unexpected module binding %v", manifest.Modules)
	}
}

func TestLoadManifestDefaultsID(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"manifest.json": `{"name": "Desert Crawler"}`,
	})

	manifest, err := LoadManifest(root, "desert-crawler")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if manifest.ID != "desert-crawler" {
		t.Fatalf("expected directory id fallback, got %q", manifest.ID)
	}
}

func TestLoadManifestNotFound(t *testing.T) {
	_, err := LoadManifest(t.TempDir(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadLoreFromWorldAndCSV(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"lore/world.md": "# The Glass Dunes\nA desert of fused sand.",
		"lore/default_lore_entries.csv": "subject,description\n" +
			"crawler,A mobile fortress on treads.\n" +
			"dunes,Glass dunes sing at dusk.\n",
	})

	entries, err := LoadLore(root, "desert-crawler")
	if err != nil {
		t.Fatalf("load lore: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Subject != WorldContextSubject {
		t.Fatalf("expected world_context first, got %q", entries[0].Subject)
	}
	if entries[0].Source != "lore/world.md" {
		t.Fatalf("unexpected source %q", entries[0].Source)
	}
	if entries[1].Subject != "crawler" || entries[1].Data != "A mobile fortress on treads." {
		t.Fatalf("unexpected csv entry %+v", entries[1])
	}
}

func TestLoadLoreAcceptsAlternateDataHeaders(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"lore/default_lore_entries.csv": "subject,entry\nanchor,The northern beacon.\n",
	})

	entries, err := LoadLore(root, "desert-crawler")
	if err != nil {
		t.Fatalf("load lore: %v", err)
	}
	if len(entries) != 1 || entries[0].Data != "The northern beacon." {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLoadLoreMissingFiles(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"manifest.json": `{"id": "desert-crawler", "name": "Desert Crawler"}`,
	})

	entries, err := LoadLore(root, "desert-crawler")
	if err != nil {
		t.Fatalf("load lore: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestLoadLoreRejectsBadHeader(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"lore/default_lore_entries.csv": "topic,text\ncrawler,A fortress.\n",
	})

	if _, err := LoadLore(root, "desert-crawler"); err == nil {
		t.Fatal("expected header error")
	}
}

func TestLoadLoreSkipsBlankSubjects(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "desert-crawler", map[string]string{
		"lore/default_lore_entries.csv": "subject,data\n,orphan row\ncrawler,A fortress.\n",
	})

	entries, err := LoadLore(root, "desert-crawler")
	if err != nil {
		t.Fatalf("load lore: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "crawler" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
