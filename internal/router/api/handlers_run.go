package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/oakmund/storyrouter/internal/platform/id"
	routererrors "github.com/oakmund/storyrouter/internal/router/errors"
	"github.com/oakmund/storyrouter/internal/router/gameproject"
	"github.com/oakmund/storyrouter/internal/router/runstore"
)

func (s *Server) handleGameProjects(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if r.Method != http.MethodGet {
		methodNotAllowed(w, requestID)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/game_projects/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.serveManifest(w, requestID, parts[0])
	case len(parts) == 2 && parts[1] == "sessions":
		s.serveSessions(w, requestID, parts[0])
	default:
		writeError(w, requestID, routererrors.CodeGameProjectNotFound, "unknown game project path", nil)
	}
}

func (s *Server) serveManifest(w http.ResponseWriter, requestID, projectID string) {
	manifest, err := gameproject.LoadManifest(s.cfg.GameProjectsRoot, projectID)
	if errors.Is(err, gameproject.ErrNotFound) {
		writeError(w, requestID, routererrors.CodeGameProjectNotFound, "game project not found: "+projectID, nil)
		return
	}
	if err != nil {
		writeError(w, requestID, routererrors.CodeUnknown, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) serveSessions(w http.ResponseWriter, requestID, projectID string) {
	sessions, err := runstore.ListSessions(s.cfg.GameProjectsRoot, projectID)
	if err != nil {
		writeError(w, requestID, routererrors.CodeSessionListFailed, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gameProjectId": projectID,
		"sessions":      sessions,
	})
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if r.Method != http.MethodPost {
		methodNotAllowed(w, requestID)
		return
	}

	projectID := s.cfg.DefaultGameProjectID
	manifest, err := gameproject.LoadManifest(s.cfg.GameProjectsRoot, projectID)
	if err != nil {
		writeError(w, requestID, routererrors.CodeRunStartFailed, "load game project: "+err.Error(), nil)
		return
	}

	runID, err := id.NewID()
	if err != nil {
		writeError(w, requestID, routererrors.CodeRunStartFailed, "generate run id: "+err.Error(), nil)
		return
	}

	lore, err := gameproject.LoadLore(s.cfg.GameProjectsRoot, projectID)
	if err != nil {
		writeError(w, requestID, routererrors.CodeRunStartFailed, "load lore: "+err.Error(), nil)
		return
	}
	if err := runstore.Initialize(r.Context(), s.cfg.GameProjectsRoot, projectID, runID, lore); err != nil {
		writeError(w, requestID, routererrors.CodeRunStartFailed, err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":       runID,
		"gameProject": manifest,
	})
}

func (s *Server) handleRunSubtree(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	rest := strings.TrimPrefix(r.URL.Path, "/run/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, requestID, routererrors.CodeRunNotFound, "run id is required", nil)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "state" && r.Method == http.MethodGet:
		s.serveRunState(w, r, requestID, runID)
	case len(parts) == 4 && parts[1] == "turn" && parts[3] == "pipeline" && r.Method == http.MethodGet:
		s.servePipeline(w, r, requestID, runID, parts[2])
	case len(parts) == 2 && parts[1] == "open-saved-folder" && r.Method == http.MethodPost:
		s.serveOpenSavedFolder(w, requestID, runID)
	default:
		writeError(w, requestID, routererrors.CodeRunNotFound, "unknown run path", nil)
	}
}

// openRun resolves a run on disk and opens its store. The caller must close
// the returned store on every exit path.
func (s *Server) openRun(w http.ResponseWriter, requestID, runID string) (*runstore.Store, bool) {
	projectID, _, err := runstore.ResolveRunLocation(s.cfg.GameProjectsRoot, runID)
	if err != nil {
		writeError(w, requestID, routererrors.CodeRunNotFound, "run not found: "+runID, nil)
		return nil, false
	}
	store, err := runstore.Open(s.cfg.GameProjectsRoot, projectID, runID)
	if err != nil {
		writeError(w, requestID, routererrors.CodeStoreFailure, err.Error(), nil)
		return nil, false
	}
	return store, true
}

func (s *Server) serveRunState(w http.ResponseWriter, r *http.Request, requestID, runID string) {
	store, ok := s.openRun(w, requestID, runID)
	if !ok {
		return
	}
	defer store.Close()

	state, err := store.ReadSessionState(r.Context())
	if err != nil {
		writeError(w, requestID, routererrors.CodeStoreFailure, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":         runID,
		"gameProjectId": store.GameProjectID(),
		"messages":      state.Messages,
		"debugEntries":  state.DebugEntries,
		"nextTurn":      state.NextTurn,
	})
}

func (s *Server) servePipeline(w http.ResponseWriter, r *http.Request, requestID, runID, turnRaw string) {
	turn, err := strconv.Atoi(turnRaw)
	if err != nil || turn < 1 {
		writeError(w, requestID, routererrors.CodeInvalidTurnIndex, "turn must be a positive integer", nil)
		return
	}

	store, ok := s.openRun(w, requestID, runID)
	if !ok {
		return
	}
	defer store.Close()

	exec, err := store.GetTurnExecution(r.Context(), turn)
	if errors.Is(err, runstore.ErrExecutionNotFound) {
		writeError(w, requestID, routererrors.CodeExecutionNotFound, "no execution recorded for turn", nil)
		return
	}
	if err != nil {
		writeError(w, requestID, routererrors.CodeStoreFailure, err.Error(), nil)
		return
	}

	events, err := store.ListPipelineEvents(r.Context(), turn)
	if err != nil {
		writeError(w, requestID, routererrors.CodeStoreFailure, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     runID,
		"turn":      turn,
		"execution": exec,
		"events":    events,
	})
}

func (s *Server) serveOpenSavedFolder(w http.ResponseWriter, requestID, runID string) {
	projectID, _, err := runstore.ResolveRunLocation(s.cfg.GameProjectsRoot, runID)
	if err != nil {
		writeError(w, requestID, routererrors.CodeRunNotFound, "run not found: "+runID, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"runId":      runID,
		"openedPath": runstore.RunDir(s.cfg.GameProjectsRoot, projectID, runID),
	})
}
