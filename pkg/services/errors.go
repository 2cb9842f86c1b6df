// Package services implements the coordinator's domain operations over the
// persistent store: session lifecycle, the append-only event log, the runner
// registry with staleness sweeping, run creation and status reports, and the
// parent/child callback graph.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionTerminal is returned when appending to a session whose log
	// is sealed by a terminal event
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrResultNotReady is returned when a result is requested from a
	// session that has not reached a terminal state
	ErrResultNotReady = errors.New("session result not ready")

	// ErrInvalidTransition is returned when a run status report does not
	// match the run's current state or reporting runner
	ErrInvalidTransition = errors.New("invalid run transition")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
