package api

import (
	"encoding/json"
	"log"
	"net/http"

	routererrors "github.com/oakmund/storyrouter/internal/router/errors"
)

// errorEnvelope is the uniform error response shape.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      routererrors.Code `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"requestId"`
	Details   map[string]any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, requestID string, code routererrors.Code, message string, details map[string]any) {
	writeJSON(w, code.HTTPStatus(), errorEnvelope{
		Error: errorBody{
			Code:      code,
			Message:   message,
			RequestID: requestID,
			Details:   details,
		},
	})
}

func writeCoded(w http.ResponseWriter, requestID string, err *routererrors.E) {
	writeError(w, requestID, err.Code, err.Message, err.Details)
}

func methodNotAllowed(w http.ResponseWriter, requestID string) {
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{
		Error: errorBody{
			Code:      routererrors.CodeUnknown,
			Message:   "method not allowed",
			RequestID: requestID,
		},
	})
}
