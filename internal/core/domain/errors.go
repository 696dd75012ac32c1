package domain

import "errors"

var (
	// ErrInvalidEvent is returned for structurally malformed events.
	ErrInvalidEvent = errors.New("invalid chain event")

	// ErrInvalidEventOrdering is returned when two events cannot be ordered,
	// or when two different events claim the same chain position.
	ErrInvalidEventOrdering = errors.New("invalid event ordering")

	// ErrConcurrencyConflict is returned by stores when the entity version
	// does not match the stored version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrEntityReduceFailed is surfaced to the caller for a single entity id.
	ErrEntityReduceFailed = errors.New("entity reduce failed")

	// ErrStorageSizeExceeded is returned when an encoded entity is too large to persist.
	ErrStorageSizeExceeded = errors.New("storage size exceeded")

	// ErrRepairAttemptFailed marks an unsuccessful consistency repair.
	ErrRepairAttemptFailed = errors.New("repair attempt failed")

	// ErrEntityNotFound is returned by stores for unknown ids.
	ErrEntityNotFound = errors.New("entity not found")
)
