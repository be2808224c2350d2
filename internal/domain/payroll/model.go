package payroll

import (
	"errors"
	"time"
)

// ErrDuplicateEmployee means a salary record already exists for the employee.
// The handler reports it as a permanent failure: retrying cannot fix it.
var ErrDuplicateEmployee = errors.New("employee already on file")

type SalaryRecord struct {
	ID         string    `json:"id"`
	EmployeeID int64     `json:"employee_id"`
	BaseSalary float64   `json:"base_salary"`
	CreatedAt  time.Time `json:"created_at"`
}

// EmployeeCreated is the payload of the EmployeeCreated integration event,
// schema version 1.
type EmployeeCreated struct {
	EmployeeID int64   `json:"employee_id"`
	BaseSalary float64 `json:"base_salary"`
}
