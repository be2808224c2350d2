package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"eventbus/internal/domain/event"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_publisher_events_published_total",
		Help: "The total number of envelopes confirmed by the broker",
	}, []string{"exchange"})
	publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_publisher_publish_errors_total",
		Help: "The total number of failed publish attempts",
	}, []string{"exchange", "reason"})
)

// Sender is the publish side of the topology manager.
type Sender interface {
	Send(ctx context.Context, exchange string, key, value []byte, headers map[string]string) error
}

// PublishReason classifies why a publish failed.
type PublishReason string

const (
	PublishReasonBrokerUnavailable PublishReason = "broker_unavailable"
	PublishReasonTimeout           PublishReason = "timeout"
	PublishReasonInternal          PublishReason = "internal"
)

type PublishError struct {
	Reason PublishReason
	Err    error
}

func (e *PublishError) Error() string {
	return "publish failed (" + string(e.Reason) + "): " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher emits envelopes to one exchange, the one named after the event
// category this service produces. Publish returns only after the broker has
// acknowledged the message; there is no application-level retry, the calling
// service decides whether and when to try again.
type Publisher struct {
	sender   Sender
	exchange string
	timeout  time.Duration
	log      *slog.Logger
}

// NewPublisher binds a publisher to an exchange. timeout bounds the wait for
// broker confirmation; zero means the 10s default.
func NewPublisher(sender Sender, exchange string, timeout time.Duration, log *slog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{sender: sender, exchange: exchange, timeout: timeout, log: log}
}

// Publish wraps a serialized domain event in a fresh envelope and sends it.
// One call reaches every queue currently bound to the exchange; the publisher
// neither knows nor cares how many consumers exist.
func (p *Publisher) Publish(ctx context.Context, eventType string, version int, payload []byte, correlationID string) error {
	return p.PublishEnvelope(ctx, event.Wrap(eventType, version, payload, correlationID))
}

// PublishEnvelope sends an envelope that already carries its event id, e.g.
// one drained from an outbox. Redelivering keeps the original id so consumers
// can deduplicate.
func (p *Publisher) PublishEnvelope(ctx context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		publishErrors.WithLabelValues(p.exchange, string(PublishReasonInternal)).Inc()
		return &PublishError{Reason: PublishReasonInternal, Err: err}
	}

	value, err := env.Marshal()
	if err != nil {
		publishErrors.WithLabelValues(p.exchange, string(PublishReasonInternal)).Inc()
		return &PublishError{Reason: PublishReasonInternal, Err: err}
	}

	// Key by correlation id so causally related events land on one partition,
	// falling back to the event id.
	key := []byte(env.CorrelationID)
	if len(key) == 0 {
		key = []byte(env.EventID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sender.Send(sendCtx, p.exchange, key, value, nil); err != nil {
		reason := classifyPublishError(err)
		publishErrors.WithLabelValues(p.exchange, string(reason)).Inc()
		p.log.Error("publish failed", "exchange", p.exchange, "event_id", env.EventID,
			"event_type", env.EventType, "reason", string(reason), "error", err)
		return &PublishError{Reason: reason, Err: err}
	}

	eventsPublished.WithLabelValues(p.exchange).Inc()
	p.log.Info("event published", "exchange", p.exchange, "event_id", env.EventID,
		"event_type", env.EventType, "correlation_id", env.CorrelationID)
	return nil
}

func classifyPublishError(err error) PublishReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return PublishReasonTimeout
	case errors.Is(err, event.ErrBrokerUnavailable):
		return PublishReasonBrokerUnavailable
	default:
		return PublishReasonInternal
	}
}
