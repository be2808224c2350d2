package deadletter

import (
	"context"
	"time"
)

// Record is an archived dead-lettered envelope, persisted for operator
// inspection. Raw holds the message bytes exactly as they arrived, including
// envelopes too malformed to decode.
type Record struct {
	Queue          string    `json:"queue"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	CorrelationID  string    `json:"correlation_id"`
	Raw            []byte    `json:"raw"`
	FailureReason  string    `json:"failure_reason"`
	Attempts       int       `json:"attempts"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type Store interface {
	Save(ctx context.Context, r *Record) error
	ListByQueue(ctx context.Context, queue string, limit int) ([]*Record, error)
	GetByEventID(ctx context.Context, eventID string) (*Record, error)
}
