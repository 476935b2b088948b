package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ConflictError is returned by compare-and-swap operations whose expected
// value no longer matches the stored one. Callers re-read and decide again.
type ConflictError struct {
	ID       string
	Field    string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: expected %q, found %q", e.ID, e.Field, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StateConflict builds the ConflictError for a job state mismatch.
func StateConflict(id string, expected, actual State) *ConflictError {
	return &ConflictError{ID: id, Field: "state", Expected: string(expected), Actual: string(actual)}
}

// IsConflict reports whether err is a compare-and-swap conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// TransientError marks a failure that should be retried per the retry policy.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Unclassified handler errors are treated
// as transient too; the wrapper documents intent at the call site.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as non-retryable.
//
// Example:
//
//	return job.Permanent(fmt.Errorf("bad payload: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e *PermanentError
	return errors.As(err, &e)
}

// RetryAfter attaches a suggested delay before the next attempt, e.g. a
// downstream Retry-After header. The retry policy still caps and jitters it.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
