// Package errors consolidates sentinel errors for the runlog project.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities and contextual constructors
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound    = errors.New("not found")
	ErrTagNotFound = errors.New("tag not found")
	ErrRunNotFound = errors.New("run not found")
	ErrOpNotFound  = errors.New("op not found")

	// Source errors
	ErrNoEventsAvailable = errors.New("no events available")
	ErrSourceClosed      = errors.New("event source is closed")

	// Record/decode errors
	ErrCorruptRecord   = errors.New("corrupt record")
	ErrTruncatedRecord = errors.New("truncated record")
	ErrMalformedEvent  = errors.New("malformed event payload")

	// Validation errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidBasisPoint = errors.New("basis point out of range")
	ErrInvalidHistogram  = errors.New("invalid histogram")
	ErrMissingField      = errors.New("missing required field")

	// State errors
	ErrExporterClosed = errors.New("exporter is closed")
	ErrQueryClosed    = errors.New("query service is closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTagNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrOpNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidBasisPoint) ||
		errors.Is(err, ErrInvalidHistogram) ||
		errors.Is(err, ErrMissingField)
}

// IsRecordError returns true if err is a record framing/decode error.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrCorruptRecord) ||
		errors.Is(err, ErrTruncatedRecord) ||
		errors.Is(err, ErrMalformedEvent)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

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

// ============================================================================
// Error constructors with context
// ============================================================================

// NewTagNotFound creates a tag-not-found error scoped to one record kind.
func NewTagNotFound(kind, tag string) error {
	return fmt.Errorf("%s tag '%s': %w", kind, tag, ErrTagNotFound)
}

// NewRunNotFound creates a run-not-found error.
func NewRunNotFound(run string) error {
	return fmt.Errorf("run '%s': %w", run, ErrRunNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
