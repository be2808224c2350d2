package memory

import (
	"context"
	"sync"
	"time"

	"eventbus/internal/domain/dedup"
)

// DedupStore is a map-backed dedup.Store for tests and single-process
// deployments. Not suitable when a service runs replicas: the shared state
// then has to live in postgres or redis.
type DedupStore struct {
	mu      sync.Mutex
	records map[recordKey]*dedup.Record
}

type recordKey struct {
	consumer string
	eventID  string
}

func NewDedupStore() *DedupStore {
	return &DedupStore{records: make(map[recordKey]*dedup.Record)}
}

func (s *DedupStore) Reserve(_ context.Context, consumer, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{consumer: consumer, eventID: eventID}
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	s.records[k] = &dedup.Record{
		Consumer:  consumer,
		EventID:   eventID,
		Outcome:   dedup.OutcomeInProgress,
		AppliedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *DedupStore) Confirm(_ context.Context, consumer, eventID string, outcome dedup.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{consumer: consumer, eventID: eventID}
	if rec, ok := s.records[k]; ok && rec.Outcome == dedup.OutcomeInProgress {
		rec.Outcome = outcome
		rec.AppliedAt = time.Now().UTC()
	}
	return nil
}

func (s *DedupStore) Release(_ context.Context, consumer, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{consumer: consumer, eventID: eventID}
	if rec, ok := s.records[k]; ok && rec.Outcome == dedup.OutcomeInProgress {
		delete(s.records, k)
	}
	return nil
}

func (s *DedupStore) HasApplied(_ context.Context, consumer, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[recordKey{consumer: consumer, eventID: eventID}]
	return ok, nil
}

// Outcome reports the recorded outcome for (consumer, eventID), for tests.
func (s *DedupStore) Outcome(consumer, eventID string) (dedup.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{consumer: consumer, eventID: eventID}]
	if !ok {
		return "", false
	}
	return rec.Outcome, true
}
