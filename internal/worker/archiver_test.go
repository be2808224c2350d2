package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"eventbus/internal/domain/deadletter"
	"eventbus/internal/domain/event"
	infrakafka "eventbus/internal/infrastructure/kafka"

	"github.com/segmentio/kafka-go"
)

type archiveQueue struct {
	name string
	msgs chan kafka.Message

	mu        sync.Mutex
	committed int
}

func newArchiveQueue(name string) *archiveQueue {
	return &archiveQueue{name: name, msgs: make(chan kafka.Message, 16)}
}

func (q *archiveQueue) Name() string { return q.name }

func (q *archiveQueue) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-q.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (q *archiveQueue) Commit(_ context.Context, msgs ...kafka.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed += len(msgs)
	return nil
}

func (q *archiveQueue) Close() error { return nil }

func (q *archiveQueue) commits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committed
}

type archiveStore struct {
	mu   sync.Mutex
	recs []*deadletter.Record
}

func (s *archiveStore) Save(_ context.Context, rec *deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *archiveStore) ListByQueue(context.Context, string, int) ([]*deadletter.Record, error) {
	return nil, nil
}

func (s *archiveStore) GetByEventID(context.Context, string) (*deadletter.Record, error) {
	return nil, nil
}

func (s *archiveStore) all() []*deadletter.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*deadletter.Record(nil), s.recs...)
}

func deadLetterMessage(t *testing.T, reason string, attempts string) kafka.Message {
	t.Helper()
	env := event.Envelope{
		EventID:       "evt-9",
		EventType:     "SalesOrderCreated",
		SchemaVersion: 1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "order-9",
		Payload:       []byte(`{"order_id":"9"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return kafka.Message{
		Value: raw,
		Headers: []kafka.Header{
			{Key: infrakafka.HeaderFailureReason, Value: []byte(reason)},
			{Key: infrakafka.HeaderAttempts, Value: []byte(attempts)},
		},
	}
}

func TestArchiverPersistsDeadLetter(t *testing.T) {
	queue := newArchiveQueue("accounting.sales.deadletter")
	store := &archiveStore{}

	a := NewArchiver(queue, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	queue.msgs <- deadLetterMessage(t, "handler_failed", "5")

	deadline := time.Now().Add(time.Second)
	for queue.commits() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("archived %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Queue != "accounting.sales" {
		t.Errorf("queue = %q, want the live queue name", rec.Queue)
	}
	if rec.EventID != "evt-9" || rec.EventType != "SalesOrderCreated" {
		t.Errorf("metadata = %s/%s", rec.EventID, rec.EventType)
	}
	if rec.FailureReason != "handler_failed" || rec.Attempts != 5 {
		t.Errorf("failure = %q attempts %d, want handler_failed/5", rec.FailureReason, rec.Attempts)
	}
	if queue.commits() != 1 {
		t.Errorf("commits = %d, want 1", queue.commits())
	}
}

func TestArchiverRecordMalformedPayload(t *testing.T) {
	queue := newArchiveQueue("payroll.hr.deadletter")
	a := NewArchiver(queue, &archiveStore{}, nil)

	rec := a.record(kafka.Message{
		Value: []byte("not an envelope"),
		Headers: []kafka.Header{
			{Key: infrakafka.HeaderFailureReason, Value: []byte("malformed")},
			{Key: infrakafka.HeaderAttempts, Value: []byte("0")},
		},
	})

	if !strings.HasPrefix(rec.EventID, "malformed-") {
		t.Errorf("event id = %q, want a synthetic malformed- id", rec.EventID)
	}
	if rec.FailureReason != "malformed" || rec.Attempts != 0 {
		t.Errorf("failure = %q attempts %d", rec.FailureReason, rec.Attempts)
	}
	if string(rec.Raw) != "not an envelope" {
		t.Errorf("raw bytes not preserved: %q", rec.Raw)
	}
	if rec.Queue != "payroll.hr" {
		t.Errorf("queue = %q", rec.Queue)
	}
}

func TestOriginQueue(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"accounting.sales.deadletter", "accounting.sales"},
		{"payroll.hr.deadletter", "payroll.hr"},
		{"accounting.sales", "accounting.sales"},
		{".deadletter", ".deadletter"},
	}
	for _, c := range cases {
		if got := originQueue(c.in); got != c.want {
			t.Errorf("originQueue(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
