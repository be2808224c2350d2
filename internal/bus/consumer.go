package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eventbus/internal/backoff"
	"eventbus/internal/domain/dedup"
	"eventbus/internal/domain/event"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_consumer_events_processed_total",
		Help: "The total number of envelopes applied successfully",
	}, []string{"queue"})
	duplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_consumer_duplicates_suppressed_total",
		Help: "The total number of redeliveries acknowledged without running the handler",
	}, []string{"queue"})
	handlerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_consumer_handler_retries_total",
		Help: "The total number of retryable handler failures",
	}, []string{"queue"})
	eventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_consumer_events_dead_lettered_total",
		Help: "The total number of envelopes moved to the dead-letter queue",
	}, []string{"queue"})
	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bus_consumer_handler_duration_seconds",
		Help:    "Time taken by one handler invocation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	}, []string{"queue"})
)

// Queue is the receive side of the topology manager.
type Queue interface {
	Name() string
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterer moves raw message bytes to a queue's dead-letter destination.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, queue string, raw []byte, reason string, attempts int) error
}

// ConsumerDeps wires a consumer runtime. Receive, DeadLetters, Dedup, Registry
// and Consumer are required; the rest default.
type ConsumerDeps struct {
	// Receive opens one membership on the queue. It is called once per worker:
	// group offset commits are per-partition positions, so a worker must never
	// commit through a reader whose partitions another worker is still
	// consuming. Each worker therefore owns its own reader.
	Receive     func() Queue
	DeadLetters DeadLetterer
	Dedup       dedup.Store
	Registry    *Registry

	// Consumer names the consuming service; it keys dedup records.
	Consumer string

	Logger      *slog.Logger
	MaxAttempts int           // handler invocations per delivery, default 5
	Retry       backoff.Policy
	Grace       time.Duration // shutdown grace for in-flight work, default 30s
	Parallelism int           // workers on this queue, default 1
}

// Consumer is a long-running worker pool over one queue. Each delivery walks
// the state machine: dedup check, handler invocation, then ack, requeue with
// backoff, or dead-letter. Offsets commit only on terminal states, so a crash
// mid-handling leads to broker-level redelivery.
type Consumer struct {
	receive     func() Queue
	deadLetters DeadLetterer
	dedup       dedup.Store
	registry    *Registry
	consumer    string
	log         *slog.Logger
	maxAttempts int
	retry       backoff.Policy
	grace       time.Duration
	parallelism int
}

func NewConsumer(deps ConsumerDeps) *Consumer {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	retry := deps.Retry
	if retry.Base <= 0 {
		retry = backoff.Default()
	}

	grace := deps.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	parallelism := deps.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	return &Consumer{
		receive:     deps.Receive,
		deadLetters: deps.DeadLetters,
		dedup:       deps.Dedup,
		registry:    deps.Registry,
		consumer:    deps.Consumer,
		log:         log.With("consumer", deps.Consumer),
		maxAttempts: maxAttempts,
		retry:       retry,
		grace:       grace,
		parallelism: parallelism,
	}
}

// Run blocks until ctx is cancelled and every worker has drained its in-flight
// delivery. It owns the queue memberships it opens and closes them on exit.
func (c *Consumer) Run(ctx context.Context) error {
	queues := make([]Queue, c.parallelism)
	for i := range queues {
		queues[i] = c.receive()
	}

	c.log.Info("consumer started", "queue", queues[0].Name(),
		"parallelism", c.parallelism, "handlers", c.registry.Types())

	var wg sync.WaitGroup
	for i, q := range queues {
		wg.Add(1)
		go func(id int, q Queue) {
			defer wg.Done()
			c.worker(ctx, id, q)
		}(i, q)
	}
	wg.Wait()

	for _, q := range queues {
		if err := q.Close(); err != nil {
			c.log.Error("failed to close queue", "error", err)
		}
	}

	c.log.Info("consumer stopped")
	return ctx.Err()
}

func (c *Consumer) worker(ctx context.Context, id int, q Queue) {
	for {
		msg, err := q.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("failed to fetch message", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
			}
			continue
		}

		c.process(ctx, q, msg)
	}
}

// process drives one delivery to a terminal state. It returns without
// committing when shutdown interrupts the retry loop or the dead-letter write
// fails, leaving the message for redelivery.
func (c *Consumer) process(ctx context.Context, q Queue, msg kafka.Message) {
	hctx, done := c.handlerContext(ctx)
	defer done()

	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		// Fatal to the message, not the process: straight to dead-letter.
		c.log.Error("malformed envelope", "error", err)
		c.deadLetter(hctx, q, msg, err.Error(), 0)
		return
	}

	log := c.log.With("event_id", env.EventID, "event_type", env.EventType,
		"correlation_id", env.CorrelationID)

	handler, ok := c.registry.Resolve(env.EventType)
	if !ok {
		log.Error("no handler registered, dead-lettering", "registered", c.registry.Types())
		c.deadLetter(hctx, q, msg, fmt.Sprintf("%s: %s", ErrNoHandler, env.EventType), 0)
		return
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.retry.Delay(attempt - 1)
			log.Info("retrying delivery", "attempt", attempt, "max", c.maxAttempts, "backoff", delay)
			select {
			case <-ctx.Done():
				// Shutdown mid-retry: leave unacknowledged, the broker
				// redelivers after the process disappears.
				return
			case <-time.After(delay):
			}
		}

		fresh, err := c.dedup.Reserve(hctx, c.consumer, env.EventID)
		if err != nil {
			log.Error("dedup reserve failed", "attempt", attempt, "error", err)
			if attempt == c.maxAttempts {
				// Store outage, not a bad message: leave unacknowledged so the
				// broker redelivers once the store is back.
				return
			}
			continue
		}
		if !fresh {
			duplicatesSuppressed.WithLabelValues(q.Name()).Inc()
			log.Info("duplicate delivery suppressed")
			c.commit(hctx, q, msg)
			return
		}

		started := time.Now()
		herr := handler(hctx, env.Payload, env.CorrelationID)
		handlerDuration.WithLabelValues(q.Name()).Observe(time.Since(started).Seconds())

		if herr == nil {
			if err := c.dedup.Confirm(hctx, c.consumer, env.EventID, dedup.OutcomeSucceeded); err != nil {
				// The reservation stays in_progress; a redelivery is still
				// suppressed, so committing remains safe.
				log.Error("failed to confirm dedup record", "error", err)
			}
			eventsProcessed.WithLabelValues(q.Name()).Inc()
			log.Info("event applied", "attempt", attempt)
			c.commit(hctx, q, msg)
			return
		}

		if IsPermanent(herr) {
			log.Error("permanent handler failure, dead-lettering", "attempt", attempt, "error", herr)
			if err := c.dedup.Confirm(hctx, c.consumer, env.EventID, dedup.OutcomeFailedPermanently); err != nil {
				log.Error("failed to record permanent failure", "error", err)
			}
			c.deadLetter(hctx, q, msg, herr.Error(), attempt)
			return
		}

		handlerRetries.WithLabelValues(q.Name()).Inc()
		log.Error("retryable handler failure", "attempt", attempt, "max", c.maxAttempts, "error", herr)
		if err := c.dedup.Release(hctx, c.consumer, env.EventID); err != nil {
			log.Error("failed to release dedup reservation", "error", err)
		}

		if attempt == c.maxAttempts {
			log.Error("retries exhausted, dead-lettering", "attempts", attempt)
			c.deadLetter(hctx, q, msg, herr.Error(), attempt)
			return
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, q Queue, msg kafka.Message, reason string, attempts int) {
	if err := c.deadLetters.DeadLetter(ctx, q.Name(), msg.Value, reason, attempts); err != nil {
		// Leave the message unacknowledged so the dead-letter write is retried
		// on redelivery.
		c.log.Error("failed to dead-letter message", "error", err)
		return
	}
	eventsDeadLettered.WithLabelValues(q.Name()).Inc()
	c.commit(ctx, q, msg)
}

func (c *Consumer) commit(ctx context.Context, q Queue, msg kafka.Message) {
	if err := q.Commit(ctx, msg); err != nil {
		c.log.Error("failed to commit message", "error", err)
	}
}

// handlerContext detaches in-flight work from shutdown cancellation, bounded
// by the grace period: when ctx is cancelled the returned context stays live
// for at most c.grace longer.
func (c *Consumer) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-hctx.Done():
		}
	})
	return hctx, func() {
		stop()
		cancel()
	}
}
