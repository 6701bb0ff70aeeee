package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Counsel error code.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrConflict       ErrorCode = "CONFLICT"        // 409
	ErrConfiguration  ErrorCode = "CONFIGURATION"   // 422
	ErrInternal       ErrorCode = "INTERNAL"        // 500
	ErrProvider       ErrorCode = "PROVIDER_ERROR"  // 502
	ErrTimeout        ErrorCode = "TIMEOUT"         // 504
)

// CounselError represents a structured error with code, status, and details.
type CounselError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	// Cause is the wrapped error, if any. Never serialized.
	Cause error
}

// Error implements the error interface.
func (e *CounselError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *CounselError) Unwrap() error {
	return e.Cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *CounselError {
	return &CounselError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing entity of the given kind.
func NewNotFound(kind, identifier string) *CounselError {
	return &CounselError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *CounselError {
	return &CounselError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewConfiguration creates a 422 error for a missing key, unknown provider
// name or any other setup problem that is fatal to the request.
func NewConfiguration(msg string) *CounselError {
	return &CounselError{
		Code:    ErrConfiguration,
		Status:  422,
		Message: msg,
	}
}

// NewProvider creates a 502 error for a failed LLM or embedding call.
func NewProvider(provider string, err error) *CounselError {
	msg := "provider call failed"
	if err != nil {
		msg = err.Error()
	}
	return &CounselError{
		Code:    ErrProvider,
		Status:  502,
		Message: fmt.Sprintf("%s: %s", provider, msg),
		Details: map[string]any{"provider": provider},
		Cause:   err,
	}
}

// NewTimeout creates a 504 error for an operation that ran out of time.
func NewTimeout(operation string, err error) *CounselError {
	return &CounselError{
		Code:    ErrTimeout,
		Status:  504,
		Message: fmt.Sprintf("%s timed out", operation),
		Details: map[string]any{"operation": operation},
		Cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *CounselError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &CounselError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Cause:   err,
	}
}

// Is checks if an error is (or wraps) a CounselError with the given code.
func Is(err error, code ErrorCode) bool {
	var cErr *CounselError
	if stderrors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// As extracts the CounselError from err, if present.
func As(err error) (*CounselError, bool) {
	var cErr *CounselError
	if stderrors.As(err, &cErr) {
		return cErr, true
	}
	return nil, false
}
