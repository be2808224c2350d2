package postgres

import (
	"context"
	"fmt"

	"eventbus/internal/domain/outbox"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) Create(ctx context.Context, e *outbox.Record) error {
	const sql = `
		INSERT INTO outbox (id, exchange, event_type, schema_version, payload, status, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql,
		e.ID, e.Exchange, e.EventType, e.SchemaVersion, e.Payload, e.Status,
		nullIfEmptyText(e.CorrelationID), e.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}

	return nil
}

// FetchBatch claims up to limit pending records, skipping rows other pollers
// hold locked, and marks them processing.
func (r *OutboxRepository) FetchBatch(ctx context.Context, limit int) ([]*outbox.Record, error) {
	const sql = `
		WITH claimed AS (
			SELECT id
			FROM outbox
			WHERE status = 'new'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (SELECT id FROM claimed)
		RETURNING
			id,
			exchange,
			event_type,
			schema_version,
			payload,
			status,
			COALESCE(correlation_id::text, ''),
			created_at,
			updated_at
	`

	rows, err := r.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var records []*outbox.Record
	for rows.Next() {
		e := &outbox.Record{}
		if err := rows.Scan(&e.ID, &e.Exchange, &e.EventType, &e.SchemaVersion, &e.Payload,
			&e.Status, &e.CorrelationID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		records = append(records, e)
	}

	return records, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []string) error {
	const sql = `
		UPDATE outbox
		SET status = 'published', updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := r.pool.Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkFailed returns records to the pending state so a later poll retries
// them.
func (r *OutboxRepository) MarkFailed(ctx context.Context, ids []string) error {
	const sql = `
		UPDATE outbox
		SET status = 'new', updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := r.pool.Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
