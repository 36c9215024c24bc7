package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/oakmund/storyrouter/internal/router/contract"
	routererrors "github.com/oakmund/storyrouter/internal/router/errors"
	"github.com/oakmund/storyrouter/internal/router/gameproject"
	"github.com/oakmund/storyrouter/internal/router/pipeline"
	"github.com/oakmund/storyrouter/internal/router/runstore"
)

// turnRequest is the POST /turn and /turn/step/start payload. Turn decodes
// as a float so a non-integer index can be told apart from a missing one.
type turnRequest struct {
	RunID       string   `json:"runId"`
	Turn        *float64 `json:"turn"`
	PlayerInput string   `json:"playerInput"`
	PlayerID    string   `json:"playerId"`
}

func decodeTurnRequest(r *http.Request, requireInput bool) (*turnRequest, *routererrors.E) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, routererrors.New(routererrors.CodeBadTurnRequest, "invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.RunID) == "" {
		return nil, routererrors.New(routererrors.CodeBadTurnRequest, "runId is required")
	}
	if req.Turn == nil {
		return nil, routererrors.New(routererrors.CodeBadTurnRequest, "turn is required")
	}
	if requireInput {
		if strings.TrimSpace(req.PlayerInput) == "" {
			return nil, routererrors.New(routererrors.CodeBadTurnRequest, "playerInput is required")
		}
		if strings.TrimSpace(req.PlayerID) == "" {
			return nil, routererrors.New(routererrors.CodeBadTurnRequest, "playerId is required")
		}
	}
	if *req.Turn != math.Trunc(*req.Turn) || *req.Turn < 1 {
		return nil, routererrors.New(routererrors.CodeInvalidTurnIndex, "turn must be a positive integer")
	}
	return &req, nil
}

func (req *turnRequest) turn() int {
	return int(*req.Turn)
}

// newDriver opens the run's driver with the manifest module bindings. A
// project without a manifest falls back to environment and default URLs.
func (s *Server) newDriver(store *runstore.Store) *pipeline.Driver {
	var modules map[string]string
	if manifest, err := gameproject.LoadManifest(s.cfg.GameProjectsRoot, store.GameProjectID()); err == nil {
		modules = manifest.Modules
	}
	return pipeline.New(store, s.client, s.cfg.Bindings, modules)
}

// checkTurnSequence enforces the turn monotonicity invariant.
func checkTurnSequence(r *http.Request, store *runstore.Store, received int) *routererrors.E {
	expected, err := store.ExpectedTurn(r.Context())
	if err != nil {
		return routererrors.New(routererrors.CodeStoreFailure, err.Error())
	}
	if received != expected {
		return routererrors.New(routererrors.CodeTurnSequenceConflict, "turn index out of sequence").
			WithDetails(map[string]any{
				"expectedTurn": expected,
				"receivedTurn": received,
			})
	}
	return nil
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if r.Method != http.MethodPost {
		methodNotAllowed(w, requestID)
		return
	}

	req, reqErr := decodeTurnRequest(r, true)
	if reqErr != nil {
		writeCoded(w, requestID, reqErr)
		return
	}

	store, ok := s.openRun(w, requestID, req.RunID)
	if !ok {
		return
	}
	defer store.Close()

	if seqErr := checkTurnSequence(r, store, req.turn()); seqErr != nil {
		writeCoded(w, requestID, seqErr)
		return
	}

	driver := s.newDriver(store)
	turnTrace, err := driver.ProcessTurn(r.Context(), contract.RunContext{
		RequestID:     requestID,
		RunID:         req.RunID,
		GameProjectID: store.GameProjectID(),
		Turn:          req.turn(),
		PlayerID:      req.PlayerID,
		PlayerInput:   req.PlayerInput,
	})
	if err != nil {
		s.writeTurnError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":         req.RunID,
		"turn":          req.turn(),
		"requestId":     requestID,
		"narrationText": turnTrace.NarrationText,
		"warnings":      turnTrace.Warnings,
		"trace":         turnTrace,
	})
}

func (s *Server) handleStepStart(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if r.Method != http.MethodPost {
		methodNotAllowed(w, requestID)
		return
	}

	req, reqErr := decodeTurnRequest(r, true)
	if reqErr != nil {
		writeCoded(w, requestID, reqErr)
		return
	}

	store, ok := s.openRun(w, requestID, req.RunID)
	if !ok {
		return
	}
	defer store.Close()

	// A live execution blocks any new step start, regardless of the
	// requested index, so the conflict is reported before sequencing.
	active, err := store.ActiveExecution(r.Context())
	if err != nil {
		writeError(w, requestID, routererrors.CodeStoreFailure, err.Error(), nil)
		return
	}
	if active != nil {
		writeError(w, requestID, routererrors.CodeStepExecutionConflict,
			"a step execution is already running",
			map[string]any{"activeTurn": active.Turn})
		return
	}

	if seqErr := checkTurnSequence(r, store, req.turn()); seqErr != nil {
		writeCoded(w, requestID, seqErr)
		return
	}

	driver := s.newDriver(store)
	exec, events, err := driver.StartStep(r.Context(), contract.RunContext{
		RequestID:     requestID,
		RunID:         req.RunID,
		GameProjectID: store.GameProjectID(),
		Turn:          req.turn(),
		PlayerID:      req.PlayerID,
		PlayerInput:   req.PlayerInput,
	})
	if err != nil {
		s.writeTurnError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":          req.RunID,
		"turn":           req.turn(),
		"execution":      exec,
		"pipelineEvents": events,
	})
}

func (s *Server) handleStepNext(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if r.Method != http.MethodPost {
		methodNotAllowed(w, requestID)
		return
	}

	req, reqErr := decodeTurnRequest(r, false)
	if reqErr != nil {
		writeCoded(w, requestID, reqErr)
		return
	}

	store, ok := s.openRun(w, requestID, req.RunID)
	if !ok {
		return
	}
	defer store.Close()

	driver := s.newDriver(store)
	exec, events, err := driver.AdvanceStep(r.Context(), req.turn())
	if errors.Is(err, runstore.ErrExecutionNotFound) {
		writeError(w, requestID, routererrors.CodeStepExecutionNotFound, "no step execution for turn", nil)
		return
	}
	if err != nil {
		s.writeTurnError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":          req.RunID,
		"turn":           req.turn(),
		"execution":      exec,
		"pipelineEvents": events,
		"result":         exec.Result,
	})
}

// writeTurnError maps driver failures onto the API error taxonomy.
func (s *Server) writeTurnError(w http.ResponseWriter, requestID string, err error) {
	var conflict *runstore.ExecutionConflictError
	if errors.As(err, &conflict) {
		writeError(w, requestID, routererrors.CodeStepExecutionConflict,
			"another turn execution is still running",
			map[string]any{"activeTurn": conflict.ActiveTurn})
		return
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		writeError(w, requestID, routererrors.CodeTurnProcessingFailed, stageErr.Error(),
			map[string]any{"stage": string(stageErr.Stage)})
		return
	}

	writeError(w, requestID, routererrors.CodeStoreFailure, err.Error(), nil)
}
