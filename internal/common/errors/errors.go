// Package errors provides the application error taxonomy.
//
// Dispatch failures from execution backends are always returned as typed
// AppErrors so callers can branch on the failure class (configuration,
// missing repository, backend unavailability) without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeNoRepository       = "NO_REPOSITORY"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// AppError carries an error code, human-readable message, and the HTTP
// status to use when the error crosses the API boundary.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound builds a not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest builds a client-error AppError.
func BadRequest(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Unauthorized builds an authentication-failure AppError.
func Unauthorized(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Conflict builds a conflict AppError.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotConfigured reports a missing credential or setting required to reach a
// backend.
func NotConfigured(what string) *AppError {
	return &AppError{
		Code:       ErrCodeNotConfigured,
		Message:    fmt.Sprintf("%s is not configured", what),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// NoRepository reports that the workspace has no linked repository to run
// against.
func NoRepository(workspaceID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoRepository,
		Message:    fmt.Sprintf("workspace %q has no linked repository", workspaceID),
		HTTPStatus: http.StatusConflict,
	}
}

// BackendUnavailable reports a non-2xx or connectivity failure from a
// dispatch call. Triggers pipeline fallback, not task failure.
func BackendUnavailable(backend string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBackendUnavailable,
		Message:    fmt.Sprintf("backend %q unavailable", backend),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found AppError.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsDispatchFailure reports whether err is one of the typed dispatch
// failures that should trigger backend fallback.
func IsDispatchFailure(err error) bool {
	return HasCode(err, ErrCodeNotConfigured) ||
		HasCode(err, ErrCodeNoRepository) ||
		HasCode(err, ErrCodeBackendUnavailable)
}

// HTTPStatus returns the status code for an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
