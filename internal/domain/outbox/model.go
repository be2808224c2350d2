package outbox

import (
	"context"
	"time"
)

// Record is a pending integration event stored in the producing service's own
// database, written inside the same transaction as the business change that
// caused it. A poller drains records to the broker, giving at-least-once
// emission without a publish gap.
type Record struct {
	ID            string    `json:"id"`
	Exchange      string    `json:"exchange"`
	EventType     string    `json:"event_type"`
	SchemaVersion int       `json:"schema_version"`
	Payload       []byte    `json:"payload"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	StatusNew        = "new"
	StatusProcessing = "processing"
	StatusPublished  = "published"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	FetchBatch(ctx context.Context, limit int) ([]*Record, error)
	MarkPublished(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string) error
}
