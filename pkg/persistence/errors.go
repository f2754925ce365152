// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrNotFound is the root of every not-found error below.
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionNotFound indicates a webhook subscription was not found.
	ErrSubscriptionNotFound = fmt.Errorf("webhook subscription %w", ErrNotFound)

	// ErrOutboxEventNotFound indicates an outbox event was not found.
	ErrOutboxEventNotFound = fmt.Errorf("outbox event %w", ErrNotFound)

	// ErrDeliveryNotFound indicates a webhook delivery was not found.
	ErrDeliveryNotFound = fmt.Errorf("webhook delivery %w", ErrNotFound)

	// ErrTriggerNotFound indicates a scheduled trigger was not found.
	ErrTriggerNotFound = fmt.Errorf("scheduled trigger %w", ErrNotFound)

	// ErrExtensionNotFound indicates no enabled extension is registered for a slug.
	ErrExtensionNotFound = fmt.Errorf("extension %w", ErrNotFound)

	// ErrEntityNotFound indicates the target entity of a write does not exist for the account.
	ErrEntityNotFound = fmt.Errorf("entity %w", ErrNotFound)
)

// EntityError wraps repository errors with the operation and row they concern.
type EntityError struct {
	Op     string // Operation being performed (e.g., "UpdateDelivery", "RecordFanOut")
	Entity string // Table or entity kind
	ID     string // Row ID if applicable
	Err    error  // Underlying error
}

func (e *EntityError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// IsNotFound checks if an error indicates a missing row of any kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
