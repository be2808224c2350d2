package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"eventbus/internal/domain/event"
	"eventbus/internal/domain/outbox"
)

type fakeOutboxRepo struct {
	mu        sync.Mutex
	pending   []*outbox.Record
	published []string
	failed    []string
}

func (r *fakeOutboxRepo) Create(_ context.Context, rec *outbox.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, rec)
	return nil
}

func (r *fakeOutboxRepo) FetchBatch(_ context.Context, limit int) ([]*outbox.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > limit {
		batch := r.pending[:limit]
		r.pending = r.pending[limit:]
		return batch, nil
	}
	batch := r.pending
	r.pending = nil
	return batch, nil
}

func (r *fakeOutboxRepo) MarkPublished(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ids...)
	return nil
}

func (r *fakeOutboxRepo) MarkFailed(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, ids...)
	return nil
}

type sentMessage struct {
	exchange string
	value    []byte
}

type fakeSender struct {
	mu     sync.Mutex
	failOn map[string]bool
	sent   []sentMessage
}

func (s *fakeSender) Send(_ context.Context, exchange string, key, value []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[exchange] {
		return fmt.Errorf("%w: exchange %s down", event.ErrBrokerUnavailable, exchange)
	}
	s.sent = append(s.sent, sentMessage{exchange: exchange, value: value})
	return nil
}

func record(id, exchange, eventType string) *outbox.Record {
	return &outbox.Record{
		ID:            id,
		Exchange:      exchange,
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       []byte(`{"order_id":"42"}`),
		Status:        outbox.StatusNew,
		CorrelationID: "order-42",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestPollerPublishesBatch(t *testing.T) {
	repo := &fakeOutboxRepo{}
	sender := &fakeSender{}
	repo.Create(context.Background(), record("0c2d7c86-41f5-4b85-9cc9-b57cb6a7c533", "sales", "SalesOrderCreated"))
	repo.Create(context.Background(), record("4e9d1a31-8a4e-47e9-9a55-2f8f86a3d8f2", "hr", "EmployeeCreated"))

	p := NewOutboxPoller(PollerDeps{Repo: repo, Sender: sender})
	if err := p.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.sent))
	}
	if sender.sent[0].exchange != "sales" || sender.sent[1].exchange != "hr" {
		t.Errorf("records routed to wrong exchanges: %+v", sender.sent)
	}

	// The outbox record id becomes the envelope's event id, so publish
	// retries stay deduplicable downstream.
	env, err := event.Unmarshal(sender.sent[0].value)
	if err != nil {
		t.Fatalf("wire bytes are not a valid envelope: %v", err)
	}
	if env.EventID != "0c2d7c86-41f5-4b85-9cc9-b57cb6a7c533" {
		t.Errorf("envelope event id = %s, want the record id", env.EventID)
	}
	if env.CorrelationID != "order-42" {
		t.Errorf("correlation id = %q", env.CorrelationID)
	}

	if len(repo.published) != 2 {
		t.Errorf("marked published = %v, want both ids", repo.published)
	}
	if len(repo.failed) != 0 {
		t.Errorf("marked failed = %v, want none", repo.failed)
	}
}

func TestPollerReturnsFailedRecordsToPending(t *testing.T) {
	repo := &fakeOutboxRepo{}
	sender := &fakeSender{failOn: map[string]bool{"hr": true}}
	repo.Create(context.Background(), record("id-sales", "sales", "SalesOrderCreated"))
	repo.Create(context.Background(), record("id-hr", "hr", "EmployeeCreated"))

	p := NewOutboxPoller(PollerDeps{Repo: repo, Sender: sender})
	if err := p.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if len(repo.published) != 1 || repo.published[0] != "id-sales" {
		t.Errorf("published = %v, want [id-sales]", repo.published)
	}
	if len(repo.failed) != 1 || repo.failed[0] != "id-hr" {
		t.Errorf("failed = %v, want [id-hr]", repo.failed)
	}
}

func TestPollerEmptyBatchIsNoop(t *testing.T) {
	repo := &fakeOutboxRepo{}
	sender := &fakeSender{}

	p := NewOutboxPoller(PollerDeps{Repo: repo, Sender: sender})
	if err := p.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages from an empty outbox", len(sender.sent))
	}
}
