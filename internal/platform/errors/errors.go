// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/pushline/internal/domain"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates missing or malformed identity fields (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeNotFound indicates an unknown connection id (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeLimited indicates a connection or rate limit was hit (HTTP 429)
	TypeLimited ErrorType = "limited"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
	// TypeUnavailable indicates a dependency is down (HTTP 503)
	TypeUnavailable ErrorType = "unavailable"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeLimited:
		return http.StatusTooManyRequests
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// LimitedError creates a new limit error (HTTP 429).
func LimitedError(message string) *Error {
	return newError(TypeLimited, message, nil)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// UnavailableError creates a new dependency error (HTTP 503).
func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

// WithField adds a context field to the error (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// FromDomain maps the domain sentinels onto structured errors. Errors that are
// already structured pass through; anything else becomes an internal error.
func FromDomain(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrMissingIdentity):
		return &Error{Type: TypeValidation, Message: err.Error(), Cause: err, Context: make(map[string]any)}
	case errors.Is(err, domain.ErrConnectionNotFound):
		return &Error{Type: TypeNotFound, Message: err.Error(), Cause: err, Context: make(map[string]any)}
	case errors.Is(err, domain.ErrShuttingDown):
		return &Error{Type: TypeUnavailable, Message: err.Error(), Cause: err, Context: make(map[string]any)}
	default:
		return InternalError("internal server error", err)
	}
}

// Is reports whether err is a structured error of type t.
func Is(err error, t ErrorType) bool {
	var structuredErr *Error
	return errors.As(err, &structuredErr) && structuredErr.Type == t
}
