package worker

import (
	"context"
	"log/slog"
	"time"

	"eventbus/internal/bus"
	"eventbus/internal/domain/event"
	"eventbus/internal/domain/outbox"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "The total number of outbox records published to the broker",
	})
	outboxPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_errors_total",
		Help: "The total number of failed outbox publish attempts",
	})
)

// OutboxPoller drains pending outbox records to the broker. Records that fail
// to publish return to the pending state and are retried on a later poll, so
// emission is at-least-once; consumers deduplicate on the record id, which
// becomes the envelope's event id.
type OutboxPoller struct {
	repo           outbox.Repository
	sender         bus.Sender
	log            *slog.Logger
	interval       time.Duration
	batchSize      int
	confirmTimeout time.Duration

	pubs map[string]*bus.Publisher
}

type PollerDeps struct {
	Repo   outbox.Repository
	Sender bus.Sender
	Logger *slog.Logger

	Interval       time.Duration // default 2s
	BatchSize      int           // default 10
	ConfirmTimeout time.Duration // default 10s
}

func NewOutboxPoller(deps PollerDeps) *OutboxPoller {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	return &OutboxPoller{
		repo:           deps.Repo,
		sender:         deps.Sender,
		log:            log,
		interval:       interval,
		batchSize:      batchSize,
		confirmTimeout: deps.ConfirmTimeout,
		pubs:           make(map[string]*bus.Publisher),
	}
}

func (p *OutboxPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("outbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.log.Error("failed to process outbox batch", "error", err)
			}
		}
	}
}

func (p *OutboxPoller) processBatch(ctx context.Context) error {
	records, err := p.repo.FetchBatch(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var publishedIDs []string
	var failedIDs []string

	for _, rec := range records {
		env := event.Envelope{
			EventID:       rec.ID,
			EventType:     rec.EventType,
			SchemaVersion: rec.SchemaVersion,
			OccurredAt:    rec.CreatedAt.UTC(),
			CorrelationID: rec.CorrelationID,
			Payload:       rec.Payload,
		}

		if err := p.publisher(rec.Exchange).PublishEnvelope(ctx, env); err != nil {
			p.log.Error("failed to publish outbox record", "id", rec.ID, "error", err)
			outboxPublishErrors.Inc()
			failedIDs = append(failedIDs, rec.ID)
			continue
		}

		outboxPublished.Inc()
		publishedIDs = append(publishedIDs, rec.ID)
	}

	if len(publishedIDs) > 0 {
		if err := p.repo.MarkPublished(ctx, publishedIDs); err != nil {
			return err
		}
		p.log.Info("published outbox records", "count", len(publishedIDs))
	}

	if len(failedIDs) > 0 {
		if err := p.repo.MarkFailed(ctx, failedIDs); err != nil {
			p.log.Error("failed to mark outbox records failed", "error", err)
		}
	}

	return nil
}

func (p *OutboxPoller) publisher(exchange string) *bus.Publisher {
	if pub, ok := p.pubs[exchange]; ok {
		return pub
	}
	pub := bus.NewPublisher(p.sender, exchange, p.confirmTimeout, p.log)
	p.pubs[exchange] = pub
	return pub
}
