package worker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"eventbus/internal/bus"
	"eventbus/internal/domain/deadletter"
	"eventbus/internal/domain/event"
	infrakafka "eventbus/internal/infrastructure/kafka"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Archiver drains one dead-letter topic into the dead_letters table so
// operators can inspect failures over HTTP instead of tailing the broker.
type Archiver struct {
	queue bus.Queue
	store deadletter.Store
	log   *slog.Logger
}

func NewArchiver(queue bus.Queue, store deadletter.Store, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{queue: queue, store: store, log: log.With("queue", queue.Name())}
}

func (a *Archiver) Run(ctx context.Context) error {
	a.log.Info("dead-letter archiver started")

	for {
		msg, err := a.queue.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Error("failed to fetch dead letter", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
			continue
		}

		rec := a.record(msg)
		if err := a.store.Save(ctx, rec); err != nil {
			// Leave uncommitted; the archive write is retried on redelivery.
			a.log.Error("failed to archive dead letter", "event_id", rec.EventID, "error", err)
			continue
		}

		if err := a.queue.Commit(ctx, msg); err != nil {
			a.log.Error("failed to commit dead letter", "error", err)
		}
		a.log.Info("dead letter archived", "event_id", rec.EventID,
			"event_type", rec.EventType, "reason", rec.FailureReason, "attempts", rec.Attempts)
	}
}

func (a *Archiver) record(msg kafka.Message) *deadletter.Record {
	rec := &deadletter.Record{
		Queue:          originQueue(a.queue.Name()),
		Raw:            msg.Value,
		DeadLetteredAt: time.Now().UTC(),
	}

	for _, h := range msg.Headers {
		switch h.Key {
		case infrakafka.HeaderFailureReason:
			rec.FailureReason = string(h.Value)
		case infrakafka.HeaderAttempts:
			rec.Attempts, _ = strconv.Atoi(string(h.Value))
		}
	}

	// The raw bytes may be arbitrarily broken; pull metadata out when they
	// still parse, otherwise key the row by a synthetic id.
	if env, err := event.Unmarshal(msg.Value); err == nil {
		rec.EventID = env.EventID
		rec.EventType = env.EventType
		rec.CorrelationID = env.CorrelationID
	} else {
		rec.EventID = "malformed-" + uuid.New().String()
	}

	return rec
}

// originQueue strips the .deadletter suffix to recover the live queue name.
func originQueue(dlq string) string {
	const suffix = ".deadletter"
	if len(dlq) > len(suffix) && dlq[len(dlq)-len(suffix):] == suffix {
		return dlq[:len(dlq)-len(suffix)]
	}
	return dlq
}
