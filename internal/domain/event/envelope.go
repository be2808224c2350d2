package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks an envelope that cannot be decoded. It is fatal to the
// message, not to the process: the consumer dead-letters it without retrying.
var ErrMalformed = errors.New("malformed envelope")

// ErrBrokerUnavailable is returned by the transport while the broker
// connection is down. Publish callers decide whether to buffer or drop.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Envelope wraps every domain event published to the broker.
// Payload is kept as raw JSON produced by the originating service; its shape
// is defined by EventType + SchemaVersion. The payload is embedded in the
// wire document as nested JSON, so Marshal re-encodes it: bytes survive a
// round trip unchanged only for compact payloads without characters the
// encoder escapes. The decoded value always survives.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Wrap builds an envelope around a serialized domain event, assigning a fresh
// event id and the current UTC timestamp. The id is generated exactly once per
// logical event: a redelivered envelope keeps the id it was published with.
func Wrap(eventType string, version int, payload []byte, correlationID string) Envelope {
	return Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: version,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       json.RawMessage(payload),
	}
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.EventID, err)
	}
	return b, nil
}

// Unmarshal decodes wire bytes back into an envelope. Missing metadata or an
// undecodable document is reported as ErrMalformed.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the metadata fields required of every envelope.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing event_id", ErrMalformed)
	case e.EventType == "":
		return fmt.Errorf("%w: missing event_type", ErrMalformed)
	case e.SchemaVersion < 1:
		return fmt.Errorf("%w: schema_version %d", ErrMalformed, e.SchemaVersion)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return nil
}
