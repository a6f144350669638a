// Package errors provides the error code taxonomy surfaced across the API boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a user-facing error category. Technical messages from
// transports and drivers are wrapped under one of these codes before they
// cross a package boundary.
type ErrorCode string

const (
	// ErrOffline means the device had no connectivity at fetch-decision time.
	// No network attempt was made.
	ErrOffline ErrorCode = "OFFLINE"

	// ErrNetwork covers timeouts, socket failures and 5xx responses from the
	// remote feed service.
	ErrNetwork ErrorCode = "NETWORK_ERROR"

	// ErrNotFound means a remote record vanished between a list and a detail
	// fetch. Consumers treat it as a deletion, not a hard failure.
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrStorage means a local durable read or write failed.
	ErrStorage ErrorCode = "STORAGE_ERROR"

	// ErrValidation means a capture payload was malformed and was rejected
	// before anything reached the mutation queue.
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// ErrInternal is the catch-all for programming errors and states that
	// should not be reachable.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the error code from err, or ErrInternal when err carries
// no AppError in its chain.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
