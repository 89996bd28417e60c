// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeExpired indicates a session past its TTL (HTTP 410)
	TypeExpired ErrorType = "expired"
	// TypeConflict indicates resource conflict (HTTP 409)
	TypeConflict ErrorType = "conflict"
	// TypeUpstream indicates the generation upstream failed (HTTP 502)
	TypeUpstream ErrorType = "upstream"
	// TypeQuota indicates a storage or budget limit (HTTP 429)
	TypeQuota ErrorType = "quota"
	// TypeOrphanedUpload indicates bytes were stored but the session died before attach (HTTP 409)
	TypeOrphanedUpload ErrorType = "orphaned_upload"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
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
	case TypeExpired:
		return http.StatusGone
	case TypeConflict, TypeOrphanedUpload:
		return http.StatusConflict
	case TypeQuota:
		return http.StatusTooManyRequests
	case TypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// ExpiredError creates a new expired-session error (HTTP 410).
func ExpiredError(message string) *Error {
	return newError(TypeExpired, message, nil)
}

// ConflictError creates a new conflict error (HTTP 409).
func ConflictError(message string) *Error {
	return newError(TypeConflict, message, nil)
}

// UpstreamError creates a new upstream generation error (HTTP 502).
func UpstreamError(message string, cause error) *Error {
	return newError(TypeUpstream, message, cause)
}

// QuotaError creates a new quota error (HTTP 429).
func QuotaError(message string, cause error) *Error {
	return newError(TypeQuota, message, cause)
}

// OrphanedUploadError creates a new orphaned-upload error (HTTP 409).
func OrphanedUploadError(message string, cause error) *Error {
	return newError(TypeOrphanedUpload, message, cause)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithField is an alias for WithContext (chainable).
func (e *Error) WithField(key string, value any) *Error {
	return e.WithContext(key, value)
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

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Known domain sentinels are mapped to their kind; anything else becomes internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return FromDomain(err)
}

// FromDomain maps domain sentinel errors to structured errors.
func FromDomain(err error) *Error {
	switch {
	case errors.Is(err, domain.ErrOrphanedUpload):
		return OrphanedUploadError("upload finished after the session ended; create a new session", err)
	case errors.Is(err, domain.ErrSessionNotFound):
		return NotFoundError("session not found")
	case errors.Is(err, domain.ErrSessionExpired):
		return ExpiredError("session expired; create a new session")
	case errors.Is(err, domain.ErrJobNotFound):
		return NotFoundError("generation job not found")
	case errors.Is(err, domain.ErrUploadCancelled):
		return ConflictError("upload was cancelled")
	case errors.Is(err, domain.ErrAssetLocked):
		return ConflictError("asset is locked after generation submit")
	case errors.Is(err, domain.ErrLifetimeExceeded):
		return ValidationError("session lifetime limit reached")
	case errors.Is(err, domain.ErrInvalidAssetKey):
		return ValidationError(err.Error())
	case errors.Is(err, domain.ErrBudgetExhausted):
		return QuotaError("daily generation budget exhausted", err)
	case errors.Is(err, domain.ErrStorageQuota):
		return QuotaError("storage quota exceeded", err)
	case errors.Is(err, domain.ErrUpstreamTransient), errors.Is(err, domain.ErrUpstreamRejected):
		return UpstreamError("generation upstream failed", err)
	default:
		return InternalError("internal server error", err)
	}
}

// MissingAssetsError builds the validation error naming every absent asset.
func MissingAssetsError(missing []domain.AssetKey) *Error {
	names := make([]string, len(missing))
	for i, k := range missing {
		names[i] = k.String()
	}
	return ValidationError("missing required assets: "+strings.Join(names, ", ")).
		WithField("missing", names)
}
