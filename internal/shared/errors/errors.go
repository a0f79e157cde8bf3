package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("service unavailable")
	ErrRateLimited  = errors.New("rate limited")
	ErrInternal     = errors.New("internal error")
)

// Fallback actions offered to the patient alongside any error.
const (
	FallbackRetry         = "retry"
	FallbackSwitchChannel = "switch_channel"
	FallbackEmergency     = "emergency_contact"
)

// AppError represents an application error with context. Message is always
// safe to show to a patient; the wrapped Err is logged but never rendered.
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithFallback attaches the suggested next action for the patient.
func (e *AppError) WithFallback(action string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details["fallback"] = action
	return e
}

func newAppError(err error, code string, status int, message string) *AppError {
	return &AppError{Err: err, Message: message, Code: code, HTTPStatus: status}
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	e := newAppError(ErrNotFound, "NOT_FOUND", http.StatusNotFound, fmt.Sprintf("%s not found", resource))
	e.Details = map[string]string{"resource": resource, "id": id}
	return e
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return newAppError(ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized, message)
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return newAppError(ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest, message)
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	e := newAppError(ErrBadRequest, "VALIDATION_ERROR", http.StatusBadRequest, message)
	e.Details = details
	return e
}

// Conflict creates a conflict error
func Conflict(code, message string) *AppError {
	return newAppError(ErrConflict, code, http.StatusConflict, message)
}

// Unavailable reports a degraded collaborator in patient-safe terms.
func Unavailable(err error, message string) *AppError {
	return newAppError(err, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, message)
}

// TooManyRequests creates a rate limit error
func TooManyRequests() *AppError {
	return newAppError(ErrRateLimited, "RATE_LIMITED", http.StatusTooManyRequests,
		"too many messages, please wait a moment").WithFallback(FallbackRetry)
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return newAppError(err, "INTERNAL_ERROR", http.StatusInternalServerError,
		"something went wrong on our side").WithFallback(FallbackEmergency)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return newAppError(err, "INTERNAL_ERROR", http.StatusInternalServerError, message)
}
