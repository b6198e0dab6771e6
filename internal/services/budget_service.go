package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

var (
	// ErrBudgetInvalidInput indicates a malformed allocation.
	ErrBudgetInvalidInput = errors.New("budget: invalid input")
	// ErrBudgetInvalidState indicates the cycle no longer accepts budget writes.
	ErrBudgetInvalidState = errors.New("budget: invalid state")
)

// BudgetServiceDeps bundles collaborators for the budget ledger.
type BudgetServiceDeps struct {
	Cycles          repositories.CycleRepository
	Budgets         repositories.BudgetRepository
	Recommendations repositories.RecommendationRepository
	UnitOfWork      repositories.UnitOfWork
	Audit           AuditLogService
	Clock           func() time.Time
	Logger          Logger
}

type budgetService struct {
	cycles  repositories.CycleRepository
	budgets repositories.BudgetRepository
	recs    repositories.RecommendationRepository
	uow     repositories.UnitOfWork
	audit   AuditLogService
	clock   func() time.Time
	logger  Logger
}

var _ BudgetService = (*budgetService)(nil)

// NewBudgetService constructs the budget ledger service.
func NewBudgetService(deps BudgetServiceDeps) (BudgetService, error) {
	switch {
	case deps.Cycles == nil:
		return nil, errors.New("budget service: cycle repository is required")
	case deps.Budgets == nil:
		return nil, errors.New("budget service: budget repository is required")
	case deps.Recommendations == nil:
		return nil, errors.New("budget service: recommendation repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("budget service: unit of work is required")
	}
	return &budgetService{
		cycles:  deps.Cycles,
		budgets: deps.Budgets,
		recs:    deps.Recommendations,
		uow:     deps.UnitOfWork,
		audit:   deps.Audit,
		clock:   utcClock(deps.Clock),
		logger:  loggerOrNoop(deps.Logger),
	}, nil
}

func (s *budgetService) ListBudgets(ctx context.Context, tenantID, cycleID string) ([]Budget, error) {
	cycle, err := loadCycle(ctx, s.cycles, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	budgets, err := s.budgets.ListByCycle(ctx, cycle.ID)
	if err != nil {
		return nil, wrapRepoError("list budgets", err)
	}
	return budgets, nil
}

func (s *budgetService) SetBudgets(ctx context.Context, cmd SetBudgetsCommand) ([]Budget, error) {
	if len(cmd.Entries) == 0 {
		return nil, fmt.Errorf("%w: at least one entry is required", ErrBudgetInvalidInput)
	}
	return s.upsert(ctx, cmd.TenantID, cmd.CycleID, cmd.ActorID, domain.BudgetSourceTopDown, cmd.Entries, "budget.set")
}

func (s *budgetService) RequestBudget(ctx context.Context, cmd RequestBudgetCommand) (Budget, error) {
	entry := BudgetEntry{Department: cmd.Department, ManagerID: cmd.ManagerID, Allocated: cmd.Allocated}
	saved, err := s.upsert(ctx, cmd.TenantID, cmd.CycleID, cmd.ActorID, domain.BudgetSourceBottomUp, []BudgetEntry{entry}, "budget.request")
	if err != nil {
		return Budget{}, err
	}
	id := domain.BudgetID(cmd.CycleID, cmd.Department, cmd.ManagerID)
	for _, b := range saved {
		if b.ID == id {
			return b, nil
		}
	}
	return Budget{}, fmt.Errorf("budget: requested row %s missing after save", id)
}

// upsert writes the entries and recomputes the cycle-wide remaining and drift figures in the
// same transaction. It returns every row of the cycle.
func (s *budgetService) upsert(ctx context.Context, tenantID, cycleID, actorID string, source domain.BudgetSource, entries []BudgetEntry, action string) ([]Budget, error) {
	for i, entry := range entries {
		if domain.NormalizeLabel(entry.Department) == "" {
			return nil, fmt.Errorf("%w: entries[%d]: department is required", ErrBudgetInvalidInput, i)
		}
		if entry.Allocated.IsNegative() {
			return nil, fmt.Errorf("%w: entries[%d]: allocated must not be negative", ErrBudgetInvalidInput, i)
		}
	}
	cycle, err := loadCycle(ctx, s.cycles, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cycle is %s", ErrBudgetInvalidState, cycle.Status)
	}

	var saved []Budget
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		saved = nil
		existing, err := s.budgets.ListByCycle(txCtx, cycle.ID)
		if err != nil {
			return err
		}
		rows := make(map[string]domain.Budget, len(existing)+len(entries))
		order := make([]string, 0, len(existing)+len(entries))
		for _, b := range existing {
			rows[b.ID] = b
			order = append(order, b.ID)
		}
		now := s.clock()
		for _, entry := range entries {
			id := domain.BudgetID(cycle.ID, entry.Department, entry.ManagerID)
			row, found := rows[id]
			if found {
				row.Allocated = entry.Allocated
				row.Remaining = entry.Allocated.Sub(row.Spent)
			} else {
				row = domain.Budget{
					ID:         id,
					TenantID:   cycle.TenantID,
					CycleID:    cycle.ID,
					Department: domain.NormalizeLabel(entry.Department),
					ManagerID:  strings.TrimSpace(entry.ManagerID),
					Allocated:  entry.Allocated,
					Spent:      decimal.Zero,
					Remaining:  entry.Allocated,
					CreatedAt:  now,
				}
				order = append(order, id)
			}
			row.Source = source
			row.RequestedBy = strings.TrimSpace(actorID)
			row.UpdatedAt = now
			rows[id] = row
		}
		all := make([]domain.Budget, 0, len(order))
		for _, id := range order {
			all = append(all, rows[id])
		}
		all = applyRemaining(all, cycle.BudgetTotal)
		if err := s.budgets.SaveAll(txCtx, all); err != nil {
			return err
		}
		saved = all
		return nil
	})
	if err != nil {
		return nil, wrapRepoError("save budgets", err)
	}

	s.logger(ctx, action, map[string]any{"cycleId": cycle.ID, "entries": len(entries), "source": string(source)})
	if s.audit != nil {
		lines := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			lines = append(lines, map[string]any{
				"department": domain.NormalizeLabel(entry.Department),
				"managerId":  strings.TrimSpace(entry.ManagerID),
				"allocated":  entry.Allocated.String(),
			})
		}
		rec := auditRecord(ctx, cycle.TenantID, actorID, action, cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"entries": lines, "source": string(source)}
		s.audit.Record(ctx, rec)
	}
	return saved, nil
}

func (s *budgetService) RecalculateBudgetRemaining(ctx context.Context, cycleID string) ([]Budget, error) {
	cycle, err := loadCycle(ctx, s.cycles, "", cycleID)
	if err != nil {
		return nil, err
	}
	var out []Budget
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		out = nil
		budgets, err := s.budgets.ListByCycle(txCtx, cycle.ID)
		if err != nil {
			return err
		}
		if len(budgets) == 0 {
			return nil
		}
		budgets = applyRemaining(budgets, cycle.BudgetTotal)
		if err := s.budgets.SaveAll(txCtx, budgets); err != nil {
			return err
		}
		out = budgets
		return nil
	})
	if err != nil {
		return nil, wrapRepoError("recalculate budget remaining", err)
	}
	return out, nil
}

// RecalculateBudgetSpent sums the proposed change of every recommendation in the cycle,
// regardless of approval status, into the matching department and manager rows.
func (s *budgetService) RecalculateBudgetSpent(ctx context.Context, cycleID string) ([]Budget, error) {
	cycle, err := loadCycle(ctx, s.cycles, "", cycleID)
	if err != nil {
		return nil, err
	}
	var out []Budget
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		out = nil
		budgets, err := s.budgets.ListByCycle(txCtx, cycle.ID)
		if err != nil {
			return err
		}
		if len(budgets) == 0 {
			return nil
		}
		recs, err := s.recs.List(txCtx, repositories.RecommendationFilter{CycleID: cycle.ID})
		if err != nil {
			return err
		}
		budgets = applySpent(budgets, recs)
		for i := range budgets {
			budgets[i].UpdatedAt = s.clock()
		}
		if err := s.budgets.SaveAll(txCtx, budgets); err != nil {
			return err
		}
		out = budgets
		return nil
	})
	if err != nil {
		return nil, wrapRepoError("recalculate budget spent", err)
	}
	s.logger(ctx, "budget.spent_recalculated", map[string]any{"cycleId": cycle.ID, "rows": len(out)})
	return out, nil
}

// applyRemaining sets Remaining per row and stamps the cycle-wide allocation drift on every row.
// Manager rows under a department row are already covered by it and are not counted twice.
func applyRemaining(budgets []domain.Budget, budgetTotal decimal.Decimal) []domain.Budget {
	totalAllocated := decimal.Zero
	for _, dept := range departmentTotals(budgets) {
		totalAllocated = totalAllocated.Add(dept.Allocated)
	}
	drift := driftPct(totalAllocated, budgetTotal)
	out := make([]domain.Budget, len(budgets))
	for i, b := range budgets {
		b.Remaining = b.Allocated.Sub(b.Spent)
		b.DriftPct = drift
		out[i] = b
	}
	return out
}

// applySpent recomputes Spent from scratch. Department rows take every employee of the
// department; manager rows only the manager's reports within it.
func applySpent(budgets []domain.Budget, recs []domain.Recommendation) []domain.Budget {
	out := make([]domain.Budget, len(budgets))
	for i, b := range budgets {
		sum := decimal.Zero
		for _, rec := range recs {
			if !domain.SameLabel(rec.Employee.Department, b.Department) {
				continue
			}
			if !b.IsDepartmentLevel() && strings.TrimSpace(rec.Employee.ManagerID) != b.ManagerID {
				continue
			}
			sum = sum.Add(rec.Delta())
		}
		if sum.IsNegative() {
			sum = decimal.Zero
		}
		b.Spent = sum
		b.Remaining = b.Allocated.Sub(sum)
		out[i] = b
	}
	return out
}
