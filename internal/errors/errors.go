// Package errors provides coded application errors for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for retry and surfacing decisions.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local store errors are fatal to the operation and never retried.
	ErrStorage        ErrorCode = "STORAGE_ERROR"
	ErrStorageQuota   ErrorCode = "STORAGE_QUOTA"
	ErrStorageCorrupt ErrorCode = "STORAGE_CORRUPT"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	// ErrTransientNetwork is retried with backoff and never surfaced to
	// the UI unless retries are exhausted.
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	// ErrRemoteRejected is permanent: validation or conflict rejected by
	// the remote backend. Not retried; surfaced for operator visibility.
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrHydration      ErrorCode = "HYDRATION_FAILED"
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
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error (or anything it wraps) carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal when uncoded.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return Is(err, ErrTransientNetwork) || Is(err, ErrSyncTimeout)
}

// IsPermanent reports whether err was rejected by the remote backend and
// must not be retried automatically.
func IsPermanent(err error) bool {
	return Is(err, ErrRemoteRejected)
}
