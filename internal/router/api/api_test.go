package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oakmund/storyrouter/internal/router/registry"
)

// testHarness wires a router API server against stub module services and a
// temp game projects root.
type testHarness struct {
	api     *httptest.Server
	modules *httptest.Server
	root    string

	intentOutput  map[string]any
	simulatorSlow atomic.Bool
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		root: t.TempDir(),
		intentOutput: map[string]any{
			"rawInput": "Look around.",
			"candidates": []map[string]any{
				{"actorId": "entity.player.captain", "intent": "inspect_environment", "confidence": 0.92},
			},
		},
	}

	project := filepath.Join(h.root, "desert-crawler")
	files := map[string]string{
		"manifest.json": `{"id": "desert-crawler", "name": "Desert Crawler"}`,
		"lore/world.md": "The crawler crosses the glass dunes.",
		"lore/default_lore_entries.csv": "subject,description\n" +
			"crawler,A mobile fortress on treads.\n",
	}
	for name, content := range files {
		path := filepath.Join(project, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	proposal := map[string]any{
		"moduleName": "default_simulator",
		"operations": []map[string]any{
			{"op": "observation", "scope": "view:player",
				"payload": map[string]any{"text": "You scan the desert."},
				"reason":  "player surveyed the surroundings"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/intent/invoke", func(w http.ResponseWriter, r *http.Request) {
		stubEnvelope(w, "intent_extractor", h.intentOutput)
	})
	mux.HandleFunc("/loremaster/retrieve", func(w http.ResponseWriter, r *http.Request) {
		stubEnvelope(w, "loremaster", map[string]any{
			"query": "desert", "evidence": []map[string]any{}, "summary": "dunes",
		})
	})
	mux.HandleFunc("/loremaster/pre", func(w http.ResponseWriter, r *http.Request) {
		stubEnvelope(w, "loremaster", map[string]any{
			"assessments": []map[string]any{
				{"candidateIndex": 0, "status": "allowed", "rationale": "fine"},
			},
			"summary": "allowed",
		})
	})
	mux.HandleFunc("/simulator/invoke", func(w http.ResponseWriter, r *http.Request) {
		if h.simulatorSlow.Load() {
			time.Sleep(250 * time.Millisecond)
		}
		stubEnvelope(w, "default_simulator", proposal)
	})
	mux.HandleFunc("/loremaster/post", func(w http.ResponseWriter, r *http.Request) {
		stubEnvelope(w, "loremaster", map[string]any{
			"status": "consistent", "rationale": "ok", "mustInclude": []string{}, "mustAvoid": []string{},
		})
	})
	mux.HandleFunc("/arbiter/invoke", func(w http.ResponseWriter, r *http.Request) {
		stubEnvelope(w, "arbiter", map[string]any{
			"decision": "accept", "selectedProposal": proposal, "rationale": "sound",
		})
	})
	mux.HandleFunc("/proser/invoke", func(w http.ResponseWriter, r *http.Request) {
		stubEnvelope(w, "proser", map[string]any{
			"narrationText": "Dust sweeps across the crawler deck as you survey the dunes.",
		})
	})
	h.modules = httptest.NewServer(mux)
	t.Cleanup(h.modules.Close)

	server := NewServer(Config{
		GameProjectsRoot:     h.root,
		DefaultGameProjectID: "desert-crawler",
		Bindings: registry.Bindings{
			IntentURL:     h.modules.URL + "/intent",
			LoremasterURL: h.modules.URL + "/loremaster",
			SimulatorURL:  h.modules.URL + "/simulator",
			ArbiterURL:    h.modules.URL + "/arbiter",
			ProserURL:     h.modules.URL + "/proser",
		},
		ModuleTimeout: 100 * time.Millisecond,
	})
	h.api = httptest.NewServer(server.Handler())
	t.Cleanup(h.api.Close)
	return h
}

func stubEnvelope(w http.ResponseWriter, moduleName string, output any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"meta":   map[string]any{"moduleName": moduleName, "warnings": []string{}},
		"output": output,
	})
}

func (h *testHarness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(h.api.URL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (h *testHarness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.api.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func (h *testHarness) startRun(t *testing.T) string {
	t.Helper()
	resp, body := h.post(t, "/run/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run start: status %d body %v", resp.StatusCode, body)
	}
	runID, _ := body["runId"].(string)
	if runID == "" {
		t.Fatalf("expected runId, got %v", body)
	}
	return runID
}

func errorField(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	errBody, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	return errBody
}

func turnBody(runID string, turn any) map[string]any {
	return map[string]any{
		"runId":       runID,
		"turn":        turn,
		"playerInput": "Look around.",
		"playerId":    "entity.player.captain",
	}
}
