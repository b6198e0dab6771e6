package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetSource records which planning flow last set an allocation.
type BudgetSource string

const (
	BudgetSourceTopDown  BudgetSource = "TOP_DOWN"
	BudgetSourceBottomUp BudgetSource = "BOTTOM_UP"
)

// Budget is the ledger row for one department (and optionally one manager) within a cycle.
type Budget struct {
	ID          string
	TenantID    string
	CycleID     string
	Department  string
	ManagerID   string
	Allocated   decimal.Decimal
	Spent       decimal.Decimal
	Remaining   decimal.Decimal
	DriftPct    float64
	Source      BudgetSource
	RequestedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsDepartmentLevel reports whether the row covers a whole department.
func (b Budget) IsDepartmentLevel() bool {
	return b.ManagerID == ""
}
