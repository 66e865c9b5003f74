package ledgerbase

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Record errors
	ErrInvalidRecord = errors.New("record failed validation")
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("stale revision token")

	// Backend errors
	ErrConnectionFailed = errors.New("backend connection failed")
	ErrBackend          = errors.New("backend operation failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// ValidationError lists every constraint a record violated so callers can
// surface field-level feedback in one pass instead of fixing errors one at
// a time.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidRecord, e.Violations)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRecord
}

// wrapBackendErr normalizes a raw backend error into the taxonomy.
// Known sentinels pass through untouched; anything else is wrapped as
// ErrBackend so callers never depend on backend-native error types.
func wrapBackendErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrInvalidRecord) {
		return err
	}
	return WithContext(ErrBackend, map[string]interface{}{
		"op":    op,
		"cause": err.Error(),
	})
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a stale-revision conflict.
// Conflicts are an expected outcome under concurrent writes: the caller
// should re-fetch the current record and retry the write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation checks if an error came from record validation.
// Validation errors are never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRecord)
}

// IsConnectionFailed checks if an error means the backend was unreachable
// after the connection retry budget was exhausted.
func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrConnectionFailed)
}
