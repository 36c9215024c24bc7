package errors

import (
	"errors"
	"fmt"
)

// E is a coded error carried across the API boundary.
type E struct {
	Code    Code
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *E) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code Code, message string) *E {
	return &E{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details to the error.
func (e *E) WithDetails(details map[string]any) *E {
	if e == nil {
		return nil
	}
	e.Details = details
	return e
}

// CodeOf extracts the domain code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var coded *E
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// DetailsOf extracts structured details from err, or nil.
func DetailsOf(err error) map[string]any {
	var coded *E
	if errors.As(err, &coded) {
		return coded.Details
	}
	return nil
}
