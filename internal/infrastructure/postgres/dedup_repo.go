package postgres

import (
	"context"
	"fmt"

	"eventbus/internal/domain/dedup"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DedupRepository implements dedup.Store on the dedup_records table. The
// unique constraint on (consumer, event_id) is what makes Reserve atomic
// across workers and replicas.
type DedupRepository struct {
	pool *pgxpool.Pool
}

func NewDedupRepository(pool *pgxpool.Pool) *DedupRepository {
	return &DedupRepository{pool: pool}
}

func (r *DedupRepository) exec(ctx context.Context) interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
} {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// Reserve returns true if the record was inserted (first sight), false if any
// record already exists for (consumer, eventID).
func (r *DedupRepository) Reserve(ctx context.Context, consumer, eventID string) (bool, error) {
	const query = `
		INSERT INTO dedup_records (consumer, event_id, outcome, applied_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (consumer, event_id) DO NOTHING
	`

	tag, err := r.exec(ctx).Exec(ctx, query, consumer, eventID, dedup.OutcomeInProgress)
	if err != nil {
		return false, fmt.Errorf("insert dedup record: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Confirm moves an in_progress reservation to a terminal outcome. Records
// already terminal are left untouched.
func (r *DedupRepository) Confirm(ctx context.Context, consumer, eventID string, outcome dedup.Outcome) error {
	const query = `
		UPDATE dedup_records
		SET outcome = $3, applied_at = NOW()
		WHERE consumer = $1 AND event_id = $2 AND outcome = $4
	`

	_, err := r.exec(ctx).Exec(ctx, query, consumer, eventID, outcome, dedup.OutcomeInProgress)
	if err != nil {
		return fmt.Errorf("confirm dedup record: %w", err)
	}
	return nil
}

// Release deletes an in_progress reservation so a redelivery can retry.
// Terminal records are never deleted here.
func (r *DedupRepository) Release(ctx context.Context, consumer, eventID string) error {
	const query = `
		DELETE FROM dedup_records
		WHERE consumer = $1 AND event_id = $2 AND outcome = $3
	`

	_, err := r.exec(ctx).Exec(ctx, query, consumer, eventID, dedup.OutcomeInProgress)
	if err != nil {
		return fmt.Errorf("release dedup record: %w", err)
	}
	return nil
}

func (r *DedupRepository) HasApplied(ctx context.Context, consumer, eventID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM dedup_records
			WHERE consumer = $1 AND event_id = $2
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, consumer, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query dedup record: %w", err)
	}
	return exists, nil
}

// ListByConsumer returns the most recent dedup records for a consumer, for
// the inspection API.
func (r *DedupRepository) ListByConsumer(ctx context.Context, consumer string, limit int) ([]*dedup.Record, error) {
	const query = `
		SELECT consumer, event_id, outcome, applied_at
		FROM dedup_records
		WHERE consumer = $1
		ORDER BY applied_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, consumer, limit)
	if err != nil {
		return nil, fmt.Errorf("query dedup records: %w", err)
	}
	defer rows.Close()

	var records []*dedup.Record
	for rows.Next() {
		rec := &dedup.Record{}
		if err := rows.Scan(&rec.Consumer, &rec.EventID, &rec.Outcome, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan dedup record: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}
