package adapters

import (
	"errors"
	"fmt"
)

// Error kinds. The workflow retry policy treats these three as
// non-retryable; everything else (network, 5xx, timeouts) retries.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// ValidationErrorf wraps a formatted message as a validation error.
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// NotFoundErrorf wraps a formatted message as a not-found error.
func NotFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// ConflictErrorf wraps a formatted message as a conflict error.
func ConflictErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNonRetryable reports whether err should not be retried by the
// activity retry policy.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
