package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicate             = errors.New("duplicate")
	ErrSyncAlreadyInProgress = errors.New("sync already in progress")
	ErrChangeNotFound        = errors.New("change not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrRemoteUnavailable     = errors.New("remote unavailable")
	ErrNoActiveInstance      = errors.New("no active instance")
)

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a local I/O or constraint failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Category classifies a remote failure.
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryValidation     Category = "VALIDATION"
	CategoryNetwork        Category = "NETWORK"
	CategoryPermission     Category = "PERMISSION"
	CategoryNotFound       Category = "NOT_FOUND"
	CategoryConflict       Category = "CONFLICT"
	CategoryRateLimit      Category = "RATE_LIMIT"
)

// RemoteError is a classified failure talking to a review server.
type RemoteError struct {
	Category   Category
	Operation  string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Operation, e.Category, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Category, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *RemoteError) Retryable() bool {
	return e.Category == CategoryNetwork || e.Category == CategoryRateLimit
}

// CategoryOf returns the remote category of err, or "" if err is not a RemoteError.
func CategoryOf(err error) Category {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// IsRetryable reports whether err is a transient remote failure.
func IsRetryable(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Retryable()
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
