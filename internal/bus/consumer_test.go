package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventbus/internal/backoff"
	"eventbus/internal/domain/dedup"
	"eventbus/internal/domain/event"
	"eventbus/internal/infrastructure/memory"

	"github.com/segmentio/kafka-go"
)

type fakeQueue struct {
	name string
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeQueue(name string) *fakeQueue {
	return &fakeQueue{name: name, msgs: make(chan kafka.Message, 16)}
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-q.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (q *fakeQueue) Commit(_ context.Context, msgs ...kafka.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed = append(q.committed, msgs...)
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQueue) commits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.committed)
}

func (q *fakeQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type dlqEntry struct {
	queue    string
	raw      []byte
	reason   string
	attempts int
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (d *fakeDLQ) DeadLetter(_ context.Context, queue string, raw []byte, reason string, attempts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, dlqEntry{queue: queue, raw: raw, reason: reason, attempts: attempts})
	return nil
}

func (d *fakeDLQ) all() []dlqEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dlqEntry(nil), d.entries...)
}

func wire(t *testing.T, eventID, eventType string, payload string) kafka.Message {
	t.Helper()
	env := event.Envelope{
		EventID:       eventID,
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    time.Now().UTC(),
		Payload:       []byte(payload),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return kafka.Message{Value: raw}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type consumerFixture struct {
	queues []*fakeQueue
	queue  *fakeQueue
	dlq    *fakeDLQ
	dedup  *memory.DedupStore

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// startConsumer runs a consumer whose Receive hands each worker its own fake
// queue, mirroring one group membership per worker. f.queue is the first
// worker's queue for the single-worker tests.
func startConsumer(t *testing.T, registry *Registry, parallelism int) *consumerFixture {
	t.Helper()

	f := &consumerFixture{
		dlq:   &fakeDLQ{},
		dedup: memory.NewDedupStore(),
		done:  make(chan struct{}),
	}

	receive := func() Queue {
		f.mu.Lock()
		defer f.mu.Unlock()
		q := newFakeQueue("accounting.sales")
		f.queues = append(f.queues, q)
		return q
	}

	c := NewConsumer(ConsumerDeps{
		Receive:     receive,
		DeadLetters: f.dlq,
		Dedup:       f.dedup,
		Registry:    registry,
		Consumer:    "accounting",
		MaxAttempts: 3,
		Retry:       backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond},
		Grace:       time.Second,
		Parallelism: parallelism,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		c.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.queues) == parallelism
	})
	f.queue = f.queues[0]

	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

func TestConsumerAppliesOnceAndAcksRedelivery(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error {
		calls.Add(1)
		return nil
	})

	f := startConsumer(t, registry, 1)

	// Same envelope delivered twice, simulating broker redelivery.
	f.queue.msgs <- wire(t, "evt-1", "SalesOrderCreated", `{"order_id":"42"}`)
	f.queue.msgs <- wire(t, "evt-1", "SalesOrderCreated", `{"order_id":"42"}`)

	waitFor(t, time.Second, func() bool { return f.queue.commits() == 2 })

	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want exactly once", got)
	}
	if outcome, ok := f.dedup.Outcome("accounting", "evt-1"); !ok || outcome != dedup.OutcomeSucceeded {
		t.Errorf("dedup outcome = %s (recorded=%v), want succeeded", outcome, ok)
	}
	if len(f.dlq.all()) != 0 {
		t.Errorf("nothing should be dead-lettered, got %d", len(f.dlq.all()))
	}
}

func TestConsumerRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	})

	f := startConsumer(t, registry, 1)
	f.queue.msgs <- wire(t, "evt-2", "SalesOrderCreated", `{"order_id":"42"}`)

	waitFor(t, time.Second, func() bool { return len(f.dlq.all()) == 1 })

	if got := calls.Load(); got != 3 {
		t.Errorf("handler ran %d times, want MaxAttempts=3", got)
	}
	entry := f.dlq.all()[0]
	if entry.attempts != 3 {
		t.Errorf("dead letter attempts = %d, want 3", entry.attempts)
	}
	if entry.queue != "accounting.sales" {
		t.Errorf("dead letter queue = %q", entry.queue)
	}
	// Retryable failures release the reservation; after dead-lettering no
	// record remains.
	if applied, _ := f.dedup.HasApplied(context.Background(), "accounting", "evt-2"); applied {
		t.Error("retryable failure must not leave a dedup record")
	}
	waitFor(t, time.Second, func() bool { return f.queue.commits() == 1 })
}

func TestConsumerPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("EmployeeCreated", func(context.Context, []byte, string) error {
		calls.Add(1)
		return Permanent(errors.New("employee already on file"))
	})

	f := startConsumer(t, registry, 1)
	f.queue.msgs <- wire(t, "evt-3", "EmployeeCreated", `{"employee_id":7}`)

	waitFor(t, time.Second, func() bool { return len(f.dlq.all()) == 1 })

	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want once (no retries on permanent failure)", got)
	}
	if entry := f.dlq.all()[0]; entry.attempts != 1 {
		t.Errorf("dead letter attempts = %d, want 1", entry.attempts)
	}
	if outcome, ok := f.dedup.Outcome("accounting", "evt-3"); !ok || outcome != dedup.OutcomeFailedPermanently {
		t.Errorf("dedup outcome = %s (recorded=%v), want failed_permanently", outcome, ok)
	}
}

func TestConsumerDeadLettersMalformed(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error {
		calls.Add(1)
		return nil
	})

	f := startConsumer(t, registry, 1)

	// Missing event_id: structurally invalid, dead-lettered with zero retries.
	f.queue.msgs <- kafka.Message{Value: []byte(`{"event_type":"SalesOrderCreated","schema_version":1,"payload":{}}`)}

	waitFor(t, time.Second, func() bool { return len(f.dlq.all()) == 1 })

	if entry := f.dlq.all()[0]; entry.attempts != 0 {
		t.Errorf("dead letter attempts = %d, want 0", entry.attempts)
	}
	if calls.Load() != 0 {
		t.Error("handler must not run for malformed envelopes")
	}
	waitFor(t, time.Second, func() bool { return f.queue.commits() == 1 })
}

func TestConsumerDeadLettersUnregisteredType(t *testing.T) {
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error { return nil })

	f := startConsumer(t, registry, 1)
	f.queue.msgs <- wire(t, "evt-4", "InventoryAdjusted", `{}`)

	waitFor(t, time.Second, func() bool { return len(f.dlq.all()) == 1 })

	entry := f.dlq.all()[0]
	if entry.attempts != 0 {
		t.Errorf("dead letter attempts = %d, want 0 (no retry can fix a missing handler)", entry.attempts)
	}
}

func TestConsumerParallelWorkersSuppressDuplicates(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	f := startConsumer(t, registry, 4)

	// The same envelope lands on every worker's membership at once.
	for _, q := range f.queues {
		q.msgs <- wire(t, "evt-5", "SalesOrderCreated", `{"order_id":"42"}`)
	}

	waitFor(t, time.Second, func() bool {
		total := 0
		for _, q := range f.queues {
			total += q.commits()
		}
		return total == 4
	})

	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times across parallel workers, want exactly once", got)
	}
}

func TestConsumerOpensOneMembershipPerWorker(t *testing.T) {
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error { return nil })

	f := startConsumer(t, registry, 3)

	if len(f.queues) != 3 {
		t.Fatalf("opened %d queue memberships, want one per worker", len(f.queues))
	}

	// A message fetched on one membership is committed through that membership
	// only; committing through another would move its group position past
	// messages still in flight there.
	f.queues[1].msgs <- wire(t, "evt-6", "SalesOrderCreated", `{"order_id":"42"}`)
	waitFor(t, time.Second, func() bool { return f.queues[1].commits() == 1 })

	if f.queues[0].commits() != 0 || f.queues[2].commits() != 0 {
		t.Error("commit landed on a membership that did not fetch the message")
	}

	f.cancel()
	<-f.done
	for i, q := range f.queues {
		if !q.isClosed() {
			t.Errorf("queue %d not closed on shutdown", i)
		}
	}
}

type downDedupStore struct {
	reserves atomic.Int32
}

func (d *downDedupStore) Reserve(context.Context, string, string) (bool, error) {
	d.reserves.Add(1)
	return false, errors.New("dedup store unreachable")
}

func (d *downDedupStore) Confirm(context.Context, string, string, dedup.Outcome) error { return nil }
func (d *downDedupStore) Release(context.Context, string, string) error                { return nil }
func (d *downDedupStore) HasApplied(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestConsumerHoldsMessageThroughDedupOutage(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("SalesOrderCreated", func(context.Context, []byte, string) error {
		calls.Add(1)
		return nil
	})

	store := &downDedupStore{}
	q := newFakeQueue("accounting.sales")
	dlq := &fakeDLQ{}

	c := NewConsumer(ConsumerDeps{
		Receive:     func() Queue { return q },
		DeadLetters: dlq,
		Dedup:       store,
		Registry:    registry,
		Consumer:    "accounting",
		MaxAttempts: 3,
		Retry:       backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond},
		Grace:       time.Second,
		Parallelism: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	q.msgs <- wire(t, "evt-7", "SalesOrderCreated", `{"order_id":"42"}`)

	waitFor(t, time.Second, func() bool { return store.reserves.Load() == 3 })
	time.Sleep(20 * time.Millisecond)

	// A store outage is an infrastructure failure: the message stays
	// unacknowledged for broker redelivery, it is not dead-lettered.
	if q.commits() != 0 {
		t.Errorf("commits = %d, message must stay unacknowledged during a store outage", q.commits())
	}
	if len(dlq.all()) != 0 {
		t.Errorf("dead letters = %d, store outage must not dead-letter the message", len(dlq.all()))
	}
	if calls.Load() != 0 {
		t.Error("handler must not run without a dedup reservation")
	}
}
