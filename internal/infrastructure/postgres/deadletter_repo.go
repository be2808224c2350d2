package postgres

import (
	"context"
	"errors"
	"fmt"

	"eventbus/internal/domain/deadletter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

// Save archives a dead-lettered message. Replaying the dead-letter topic must
// not duplicate rows, so (queue, event_id) conflicts are ignored.
func (r *DeadLetterRepository) Save(ctx context.Context, rec *deadletter.Record) error {
	const sql = `
		INSERT INTO dead_letters (queue, event_id, event_type, correlation_id, raw, failure_reason, attempts, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (queue, event_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, sql,
		rec.Queue, rec.EventID, nullIfEmptyText(rec.EventType), nullIfEmptyText(rec.CorrelationID),
		rec.Raw, rec.FailureReason, rec.Attempts, rec.DeadLetteredAt)

	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) ListByQueue(ctx context.Context, queue string, limit int) ([]*deadletter.Record, error) {
	const sql = `
		SELECT queue, event_id, COALESCE(event_type, ''), COALESCE(correlation_id::text, ''),
			raw, failure_reason, attempts, dead_lettered_at
		FROM dead_letters
		WHERE queue = $1
		ORDER BY dead_lettered_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, sql, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var records []*deadletter.Record
	for rows.Next() {
		rec := &deadletter.Record{}
		if err := rows.Scan(&rec.Queue, &rec.EventID, &rec.EventType, &rec.CorrelationID,
			&rec.Raw, &rec.FailureReason, &rec.Attempts, &rec.DeadLetteredAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

func (r *DeadLetterRepository) GetByEventID(ctx context.Context, eventID string) (*deadletter.Record, error) {
	const sql = `
		SELECT queue, event_id, COALESCE(event_type, ''), COALESCE(correlation_id::text, ''),
			raw, failure_reason, attempts, dead_lettered_at
		FROM dead_letters
		WHERE event_id = $1
	`

	rec := &deadletter.Record{}
	err := r.pool.QueryRow(ctx, sql, eventID).Scan(&rec.Queue, &rec.EventID, &rec.EventType,
		&rec.CorrelationID, &rec.Raw, &rec.FailureReason, &rec.Attempts, &rec.DeadLetteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	return rec, nil
}
