// Package errors provides error codes and the failure taxonomy shared by the scan queue.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode represents a unique error code that can be surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrConfig   ErrorCode = "CONFIG_ERROR"

	// Remote errors
	ErrTransport   ErrorCode = "TRANSPORT_ERROR"
	ErrValidation  ErrorCode = "VALIDATION_ERROR"
	ErrDuplicate   ErrorCode = "DUPLICATE_SCAN"
	ErrNotFound    ErrorCode = "SUBJECT_NOT_FOUND"
	ErrMalformed   ErrorCode = "MALFORMED_CODE"
	ErrAuthExpired ErrorCode = "AUTH_EXPIRED"

	// Storage errors
	ErrStorage        ErrorCode = "STORAGE_ERROR"
	ErrStorageCorrupt ErrorCode = "STORAGE_CORRUPT"
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed  ErrorCode = "SYNC_FAILED"
	ErrSyncOffline ErrorCode = "SYNC_OFFLINE"
)

// ErrorKind is the coarse failure class that drives queueing decisions.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransport failures are retried later from the offline queue.
	KindTransport
	// KindValidation failures are terminal and shown to the user verbatim.
	KindValidation
	// KindStorage failures come from local persistence.
	KindStorage
	// KindAuth failures are handed to the session layer.
	KindAuth
	// KindInternal failures are client bugs or misconfiguration. Retrying
	// cannot fix them, so records stay queued and the drain reports them.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindAuth:
		return "auth"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int // HTTP status when the error came from the backend, 0 otherwise
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

// Kind returns the failure class of the error code.
func (e *AppError) Kind() ErrorKind {
	return codeKind(e.Code)
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Message returns the user-facing message of an AppError, or err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func codeKind(code ErrorCode) ErrorKind {
	switch code {
	case ErrTransport, ErrSyncOffline:
		return KindTransport
	case ErrValidation, ErrDuplicate, ErrNotFound, ErrMalformed, ErrInvalid:
		return KindValidation
	case ErrStorage, ErrStorageCorrupt, ErrQueueFull, ErrMigration:
		return KindStorage
	case ErrAuthExpired:
		return KindAuth
	case ErrInternal:
		return KindInternal
	default:
		return KindTransport
	}
}

// KindOf returns the failure class of err.
// Errors that carry no code are treated as transport failures so that the
// scan that produced them stays in the offline queue instead of being dropped.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind()
	}
	return KindTransport
}

// Classify maps an HTTP exchange to a failure class. It is the only place
// where status codes are interpreted.
//
//   - transportErr != nil (timeout, DNS, refused, cancelled): transport
//   - 401: auth
//   - 408, 429, 5xx: transport
//   - any other 4xx: validation
//   - 1xx/2xx/3xx: none
func Classify(status int, transportErr error) ErrorKind {
	if transportErr != nil {
		return KindTransport
	}
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransport
	case status >= 500:
		return KindTransport
	case status >= 400:
		return KindValidation
	default:
		return KindNone
	}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// CodeForStatus picks the most specific validation code for a 4xx status.
func CodeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusConflict:
		return ErrDuplicate
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrMalformed
	case http.StatusUnauthorized:
		return ErrAuthExpired
	}
	switch Classify(status, nil) {
	case KindTransport:
		return ErrTransport
	case KindValidation:
		return ErrValidation
	default:
		return ErrInternal
	}
}
