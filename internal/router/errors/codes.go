// Package errors provides structured error codes for the router API surface.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation errors
	CodeBadTurnRequest   Code = "BAD_TURN_REQUEST"
	CodeInvalidTurnIndex Code = "INVALID_TURN_INDEX"

	// Sequencing and lifecycle errors
	CodeTurnSequenceConflict  Code = "TURN_SEQUENCE_CONFLICT"
	CodeStepExecutionConflict Code = "STEP_EXECUTION_CONFLICT"

	// Lookup errors
	CodeRunNotFound           Code = "RUN_NOT_FOUND"
	CodeGameProjectNotFound   Code = "GAME_PROJECT_NOT_FOUND"
	CodeStepExecutionNotFound Code = "STEP_EXECUTION_NOT_FOUND"
	CodeExecutionNotFound     Code = "EXECUTION_NOT_FOUND"

	// Processing errors
	CodeRunStartFailed       Code = "RUN_START_FAILED"
	CodeSessionListFailed    Code = "SESSION_LIST_FAILED"
	CodeTurnProcessingFailed Code = "TURN_PROCESSING_FAILED"
	CodeStoreFailure         Code = "STORE_FAILURE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadTurnRequest, CodeInvalidTurnIndex:
		return http.StatusBadRequest

	case CodeTurnSequenceConflict, CodeStepExecutionConflict:
		return http.StatusConflict

	case CodeRunNotFound,
		CodeGameProjectNotFound,
		CodeStepExecutionNotFound,
		CodeExecutionNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
