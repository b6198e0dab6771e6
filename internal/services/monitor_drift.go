package services

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// driftPct returns round2((spent-base)/base*100), or 0 when base is not positive.
func driftPct(spent, base decimal.Decimal) float64 {
	if !base.IsPositive() {
		return 0
	}
	return round2(spent.Sub(base).Div(base).Mul(hundred).InexactFloat64())
}

// departmentTotals folds budget rows into one figure per department. A department-level row wins
// over manager rows of the same department, which it already covers.
func departmentTotals(budgets []domain.Budget) []domain.DepartmentDrift {
	type agg struct {
		name           string
		hasDept        bool
		alloc, spent   decimal.Decimal
		malloc, mspent decimal.Decimal
	}
	byKey := map[string]*agg{}
	var order []string
	for _, b := range budgets {
		key := domain.LabelKey(b.Department)
		a, ok := byKey[key]
		if !ok {
			a = &agg{name: b.Department}
			byKey[key] = a
			order = append(order, key)
		}
		if b.IsDepartmentLevel() {
			a.hasDept = true
			a.alloc = a.alloc.Add(b.Allocated)
			a.spent = a.spent.Add(b.Spent)
		} else {
			a.malloc = a.malloc.Add(b.Allocated)
			a.mspent = a.mspent.Add(b.Spent)
		}
	}
	out := make([]domain.DepartmentDrift, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		alloc, spent := a.alloc, a.spent
		if !a.hasDept {
			alloc, spent = a.malloc, a.mspent
		}
		out = append(out, domain.DepartmentDrift{
			Department: a.name,
			Allocated:  alloc,
			Spent:      spent,
			Remaining:  alloc.Sub(spent),
		})
	}
	return out
}

func detectBudgetDrift(snap cycleSnapshot, threshold float64) domain.BudgetDriftResult {
	result := domain.BudgetDriftResult{
		CycleID:      snap.cycle.ID,
		BudgetTotal:  snap.cycle.BudgetTotal,
		ThresholdPct: threshold,
		EvaluatedAt:  snap.now,
	}
	for _, dept := range departmentTotals(snap.budgets) {
		dept.DriftPct = driftPct(dept.Spent, dept.Allocated)
		dept.Exceeded = dept.Allocated.IsPositive() && math.Abs(dept.DriftPct) > threshold
		result.TotalAllocated = result.TotalAllocated.Add(dept.Allocated)
		result.TotalSpent = result.TotalSpent.Add(dept.Spent)
		result.Departments = append(result.Departments, dept)
	}
	result.OverallDriftPct = driftPct(result.TotalSpent, snap.cycle.BudgetTotal)
	result.Exceeded = snap.cycle.BudgetTotal.IsPositive() && math.Abs(result.OverallDriftPct) > threshold

	elapsed, remaining, total := cycleDays(snap.cycle, snap.now)
	daily := result.TotalSpent.Div(decimal.NewFromInt(int64(max(elapsed, 1)))).Round(2)
	projected := daily.Mul(decimal.NewFromInt(int64(total))).Round(2)
	result.BurnRate = domain.BurnRate{
		DaysElapsed:      elapsed,
		DaysRemaining:    remaining,
		TotalDays:        total,
		DailyBurnRate:    daily,
		ProjectedTotal:   projected,
		ProjectedOverage: projected.Sub(snap.cycle.BudgetTotal),
	}
	return result
}

func budgetDriftAlerts(cycle domain.Cycle, result domain.BudgetDriftResult) []domain.MonitorAlert {
	var alerts []domain.MonitorAlert
	if result.Exceeded {
		severity := domain.SeverityHigh
		if math.Abs(result.OverallDriftPct) > CriticalDriftPct {
			severity = domain.SeverityCritical
		}
		alerts = append(alerts, domain.MonitorAlert{
			TenantID:  cycle.TenantID,
			CycleID:   cycle.ID,
			AlertType: domain.AlertTypeBudgetDrift,
			Severity:  severity,
			Title:     fmt.Sprintf("Budget drift of %.2f%% in %s", result.OverallDriftPct, cycle.Name),
			Details: map[string]any{
				"message":      fmt.Sprintf("Spend of %s against a budget of %s is %.2f%% off plan (threshold %.2f%%).", result.TotalSpent.StringFixed(2), result.BudgetTotal.StringFixed(2), result.OverallDriftPct, result.ThresholdPct),
				"driftPct":     result.OverallDriftPct,
				"thresholdPct": result.ThresholdPct,
				"totalSpent":   result.TotalSpent.String(),
			},
		})
	}
	for _, dept := range result.ExceededDepartments() {
		severity := domain.SeverityMedium
		if math.Abs(dept.DriftPct) > CriticalDriftPct {
			severity = domain.SeverityHigh
		}
		alerts = append(alerts, domain.MonitorAlert{
			TenantID:  cycle.TenantID,
			CycleID:   cycle.ID,
			AlertType: domain.AlertTypeBudgetDrift,
			Severity:  severity,
			Title:     fmt.Sprintf("%s budget drift of %.2f%%", dept.Department, dept.DriftPct),
			Details: map[string]any{
				"message":    fmt.Sprintf("%s has spent %s of %s allocated.", dept.Department, dept.Spent.StringFixed(2), dept.Allocated.StringFixed(2)),
				"department": dept.Department,
				"driftPct":   dept.DriftPct,
				"allocated":  dept.Allocated.String(),
				"spent":      dept.Spent.String(),
			},
		})
	}
	return alerts
}
