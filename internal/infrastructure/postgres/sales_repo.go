package postgres

import (
	"context"
	"errors"
	"fmt"

	"eventbus/internal/domain/sales"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SalesOrderRepository struct {
	pool *pgxpool.Pool
}

func NewSalesOrderRepository(pool *pgxpool.Pool) *SalesOrderRepository {
	return &SalesOrderRepository{pool: pool}
}

func (r *SalesOrderRepository) Create(ctx context.Context, o *sales.Order) error {
	const sql = `
		INSERT INTO sales_orders (id, customer_id, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql, o.ID, o.CustomerID, o.TotalAmount, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sales order: %w", err)
	}
	return nil
}

func (r *SalesOrderRepository) Get(ctx context.Context, id string) (*sales.Order, error) {
	const sql = `
		SELECT id, customer_id, total_amount, status, created_at, updated_at
		FROM sales_orders
		WHERE id = $1
	`

	o := &sales.Order{}
	err := r.pool.QueryRow(ctx, sql, id).Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sales order: %w", err)
	}
	return o, nil
}
