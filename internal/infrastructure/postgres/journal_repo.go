package postgres

import (
	"context"
	"fmt"

	"eventbus/internal/domain/accounting"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JournalRepository struct {
	pool *pgxpool.Pool
}

func NewJournalRepository(pool *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{pool: pool}
}

func (r *JournalRepository) Create(ctx context.Context, e *accounting.JournalEntry) error {
	const sql = `
		INSERT INTO journal_entries (id, order_id, amount, memo, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql, e.ID, e.OrderID, e.Amount, nullIfEmptyText(e.Memo), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (r *JournalRepository) CountByOrderID(ctx context.Context, orderID string) (int, error) {
	const sql = `SELECT COUNT(*) FROM journal_entries WHERE order_id = $1`

	var n int
	if err := r.pool.QueryRow(ctx, sql, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}
