// Package errors provides the sentinel error taxonomy for the meterflow
// engine.
//
// Errors fall into three families that callers dispatch on:
//   - not-found: unknown stream at metadata resolution; ingestion skips,
//     queries return empty results
//   - validation: malformed input rejected at the boundary
//   - transient: storage failures during recomputation; the stale marker is
//     released for retry, never dropped
package errors

import (
	"errors"
	"fmt"
)

var (
	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrStreamNotFound = errors.New("stream not found")
	ErrDatumNotFound  = errors.New("datum not found")

	// Validation errors
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
	ErrInvalidTimeZone      = errors.New("invalid time zone")
	ErrInvalidLevel         = errors.New("invalid aggregation level")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrMismatchedProperties = errors.New("property arrays do not match stream metadata")
	ErrMissingField         = errors.New("missing required field")

	// Transient storage errors
	ErrStorage      = errors.New("storage error")
	ErrTimeout      = errors.New("timeout")
	ErrClaimExpired = errors.New("stale marker claim expired")
	ErrClaimDenied  = errors.New("stale marker already claimed")

	// State errors
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrClosed         = errors.New("closed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStreamNotFound) ||
		errors.Is(err, ErrDatumNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrInvalidTimeZone) ||
		errors.Is(err, ErrInvalidLevel) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMismatchedProperties) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the error is potentially retriable.
// A worker that hits a retriable error releases its claim instead of
// clearing the marker.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrClaimExpired) ||
		errors.Is(err, ErrClaimDenied)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidInput)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
