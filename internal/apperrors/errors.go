// Package apperrors provides structured application errors with classification
// via errors.Is().
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
//
// Configuration errors are fatal and surface before any run starts.
// DataUnavailable, Fit and Timeout are per-job errors: they are recorded on
// the job and consumed by the retry policy, never raised into the
// coordinator. Persistence errors abort the orchestrator, since without the
// run store no progress is observable.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrDataUnavailable = errors.New("data unavailable")
	ErrFit             = errors.New("fit error")
	ErrTimeout         = errors.New("timeout")
	ErrPersistence     = errors.New("persistence error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For configuration errors (e.g., "sources", "run_id")
	Op       string // Operation that failed (e.g., "runstore.writeJobAndResult")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Configuration creates a configuration error for a specific field.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Field:    field,
	}
}

// DataUnavailable creates a per-job error for a dataset that could not be
// produced for a (source, region) key.
func DataUnavailable(source, region string, cause error) error {
	return &Error{
		Sentinel: ErrDataUnavailable,
		Message:  fmt.Sprintf("dataset %s/%s unavailable: %v", source, region, cause),
		Cause:    cause,
	}
}

// Fit creates a per-job error for a model fit that failed.
func Fit(variant string, cause error) error {
	return &Error{
		Sentinel: ErrFit,
		Message:  fmt.Sprintf("fit %s failed: %v", variant, cause),
		Cause:    cause,
	}
}

// Timeout creates a per-job error for a fit that exceeded its time budget.
func Timeout(op string, budget time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s exceeded time budget of %s", op, budget),
		Op:       op,
	}
}

// Persistence creates a fatal error wrapping a run store failure.
func Persistence(op string, cause error) error {
	return &Error{
		Sentinel: ErrPersistence,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Kind returns a short classification label for an error, used as the prefix
// of a job's recorded error message.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrDataUnavailable):
		return "data_unavailable"
	case errors.Is(err, ErrFit):
		return "fit"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
