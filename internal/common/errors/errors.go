// Package errors provides the kernel's typed error taxonomy. Every error
// that crosses the protocol boundary carries a stable code; messages are
// for humans, codes are for programmatic branching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced to clients.
const (
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeArgValidation    = "ARG_VALIDATION"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeToolTimeout      = "TOOL_TIMEOUT"
	ErrCodeToolExecution    = "TOOL_EXECUTION"
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeLLMUnavailable   = "LLM_UNAVAILABLE"
	ErrCodePersistence      = "PERSISTENCE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeBadFrame         = "BAD_FRAME"
)

// AppError is an application error with a stable code and optional cause.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the stable code from any error. Errors outside the
// taxonomy map to INTERNAL_ERROR, which the gateway keeps opaque.
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ErrCodeInternal
}

// MessageOf extracts the client-safe message from an error. Internal
// errors are replaced by a generic message; the full context is logged
// at the boundary, never sent to the client.
func MessageOf(err error) string {
	var app *AppError
	if errors.As(err, &app) && app.Code != ErrCodeInternal {
		return app.Message
	}
	return "internal error"
}

// UnknownCommand creates an error for an unrecognized command type.
func UnknownCommand(command string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownCommand,
		Message:    fmt.Sprintf("unknown command %q", command),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates an argument validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeArgValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthenticated creates an authentication failure error.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthenticated,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates an authorization failure error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NotFound creates a missing-resource error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a conflicting-state error (e.g. duplicate username).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidState creates an error for an operation on a resource whose
// lifecycle state does not permit it.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// CapacityExceeded creates a resource-exhaustion error.
func CapacityExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCapacityExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// RateLimited creates a rate limit error.
func RateLimited(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// ToolNotFound creates an error for a dispatch to an unregistered tool.
func ToolNotFound(name string) *AppError {
	return &AppError{
		Code:       ErrCodeToolNotFound,
		Message:    fmt.Sprintf("tool %q not registered", name),
		HTTPStatus: http.StatusNotFound,
	}
}

// ToolTimeout creates an error for a tool call exceeding its budget.
func ToolTimeout(ms int64) *AppError {
	return &AppError{
		Code:       ErrCodeToolTimeout,
		Message:    fmt.Sprintf("tool call exceeded %dms", ms),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ToolExecution wraps a tool handler failure. Not fatal to the loop.
func ToolExecution(err error) *AppError {
	return &AppError{
		Code:       ErrCodeToolExecution,
		Message:    "tool execution failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// LLMUnavailable wraps a chat provider failure.
func LLMUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeLLMUnavailable,
		Message:    "llm provider unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Persistence wraps a non-fatal store failure.
func Persistence(err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistence,
		Message:    "persistence degraded",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Internal wraps an unexpected failure. Clients see an opaque message.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadFrame creates a protocol framing error. The gateway replies once and
// then disconnects.
func BadFrame(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadFrame,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}
