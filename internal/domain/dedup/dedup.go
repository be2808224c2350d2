package dedup

import (
	"context"
	"time"
)

// Outcome is the terminal disposition of an applied envelope.
type Outcome string

const (
	// OutcomeInProgress is the reservation state written before the handler
	// runs; it is replaced by a terminal outcome or released on retry.
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSucceeded  Outcome = "succeeded"
	// OutcomeFailedPermanently records that the handler rejected the event for
	// good, so a broker-level redelivery racing the dead-letter write is not
	// reapplied.
	OutcomeFailedPermanently Outcome = "failed_permanently"
)

// Record is a consumer-side dedup entry (Inbox pattern). Each consumer stores
// the event ids it has applied; a terminal record is never updated.
type Record struct {
	Consumer  string    `json:"consumer"`
	EventID   string    `json:"event_id"`
	Outcome   Outcome   `json:"outcome"`
	AppliedAt time.Time `json:"applied_at"`
}

// Store is the atomic check-then-record gate in front of every handler
// invocation. Two concurrent deliveries of the same envelope to the same
// consumer must not both get Reserve == true.
type Store interface {
	// Reserve claims (consumer, eventID) with an in_progress record using an
	// insert-first strategy. It returns false when a record already exists,
	// whatever its outcome.
	Reserve(ctx context.Context, consumer, eventID string) (bool, error)

	// Confirm finalizes a reservation with a terminal outcome. Records that
	// already hold a terminal outcome are left untouched.
	Confirm(ctx context.Context, consumer, eventID string, outcome Outcome) error

	// Release drops an in_progress reservation after a retryable handler
	// failure so a later redelivery can try again.
	Release(ctx context.Context, consumer, eventID string) error

	// HasApplied reports whether a record exists for (consumer, eventID).
	HasApplied(ctx context.Context, consumer, eventID string) (bool, error)
}
