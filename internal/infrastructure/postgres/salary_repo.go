package postgres

import (
	"context"
	"errors"
	"fmt"

	"eventbus/internal/domain/payroll"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SalaryRepository struct {
	pool *pgxpool.Pool
}

func NewSalaryRepository(pool *pgxpool.Pool) *SalaryRepository {
	return &SalaryRepository{pool: pool}
}

// Create inserts a salary record. A second record for the same employee
// violates the unique constraint and is reported as ErrDuplicateEmployee so
// the handler can classify the failure as permanent.
func (r *SalaryRepository) Create(ctx context.Context, s *payroll.SalaryRecord) error {
	const sql = `
		INSERT INTO salary_records (id, employee_id, base_salary, created_at)
		VALUES ($1, $2, $3, $4)
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql, s.ID, s.EmployeeID, s.BaseSalary, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return payroll.ErrDuplicateEmployee
		}
		return fmt.Errorf("insert salary record: %w", err)
	}
	return nil
}
