package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventbus/internal/domain/dedup"

	"github.com/redis/go-redis/v9"
)

// DedupStore implements dedup.Store on redis. SETNX gives the atomic
// insert-first reservation; terminal records expire after the retention
// window, which is safe because a redelivered id past retention merely
// re-runs an idempotent handler.
type DedupStore struct {
	client    *redis.Client
	retention time.Duration
}

// reservationTTL bounds how long a crashed worker can hold a reservation
// that never reaches a terminal outcome.
const reservationTTL = 10 * time.Minute

func NewDedupStore(client *redis.Client, retention time.Duration) *DedupStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &DedupStore{client: client, retention: retention}
}

func key(consumer, eventID string) string {
	return "dedup:" + consumer + ":" + eventID
}

func (s *DedupStore) Reserve(ctx context.Context, consumer, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key(consumer, eventID), string(dedup.OutcomeInProgress), reservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve dedup key: %w", err)
	}
	return ok, nil
}

func (s *DedupStore) Confirm(ctx context.Context, consumer, eventID string, outcome dedup.Outcome) error {
	// Only an in_progress reservation may be finalized; terminal values are
	// immutable.
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
		end
		return false
	`
	err := s.client.Eval(ctx, script, []string{key(consumer, eventID)},
		string(dedup.OutcomeInProgress), string(outcome), s.retention.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("confirm dedup key: %w", err)
	}
	return nil
}

func (s *DedupStore) Release(ctx context.Context, consumer, eventID string) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	err := s.client.Eval(ctx, script, []string{key(consumer, eventID)},
		string(dedup.OutcomeInProgress)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}

func (s *DedupStore) HasApplied(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return n > 0, nil
}
