package services

import (
	"errors"
	"testing"

	domain "github.com/meritflow/compcycle/internal/domain"
)

func TestBudgetServiceSetBudgetsComputesRemainingAndDrift(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusPlanning, "500000")

	rows, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{
		TenantID: testTenant,
		CycleID:  "cyc_1",
		ActorID:  "hr-1",
		Entries: []BudgetEntry{
			{Department: "Engineering", Allocated: dec("300000")},
			{Department: " Sales ", Allocated: dec("250000")},
		},
	})
	if err != nil {
		t.Fatalf("SetBudgets: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, b := range rows {
		if b.Source != domain.BudgetSourceTopDown {
			t.Fatalf("expected TOP_DOWN, got %s", b.Source)
		}
		if !b.Remaining.Equal(b.Allocated.Sub(b.Spent)) {
			t.Fatalf("remaining mismatch on %s", b.Department)
		}
		// 550000 allocated against 500000 is 10% over plan.
		if b.DriftPct != 10 {
			t.Fatalf("expected drift 10, got %v", b.DriftPct)
		}
	}
	if rows[1].Department != "Sales" {
		t.Fatalf("expected normalised department, got %q", rows[1].Department)
	}
	if !hasAction(f.audit.actions(), "budget.set") {
		t.Fatalf("expected budget.set audit")
	}
}

func TestBudgetServiceDriftCountsManagerRowsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusPlanning, "500000")

	rows, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{
		TenantID: testTenant,
		CycleID:  "cyc_1",
		Entries: []BudgetEntry{
			{Department: "Engineering", Allocated: dec("300000")},
			{Department: "Engineering", ManagerID: "mgr-1", Allocated: dec("100000")},
			{Department: "Engineering", ManagerID: "mgr-2", Allocated: dec("50000")},
			{Department: "Sales", ManagerID: "mgr-3", Allocated: dec("150000")},
		},
	})
	if err != nil {
		t.Fatalf("SetBudgets: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	// Engineering's department row covers its manager rows; Sales has only a manager row.
	// 450000 allocated against 500000 is 10% under plan.
	for _, b := range rows {
		if b.DriftPct != -10 {
			t.Fatalf("expected drift -10 on %s/%s, got %v", b.Department, b.ManagerID, b.DriftPct)
		}
	}

	again, err := f.budgets.RecalculateBudgetRemaining(f.ctx, "cyc_1")
	if err != nil {
		t.Fatalf("RecalculateBudgetRemaining: %v", err)
	}
	if len(again) != 4 || again[0].DriftPct != -10 {
		t.Fatalf("expected recalculation to agree, got %+v", again)
	}
}

func TestBudgetServiceUpsertKeepsOneRowPerKey(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusPlanning, "500000")

	for _, amount := range []string{"100000", "120000"} {
		if _, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{
			TenantID: testTenant,
			CycleID:  "cyc_1",
			Entries:  []BudgetEntry{{Department: "engineering", Allocated: dec(amount)}},
		}); err != nil {
			t.Fatalf("SetBudgets: %v", err)
		}
	}
	row, err := f.budgets.RequestBudget(f.ctx, RequestBudgetCommand{
		TenantID:   testTenant,
		CycleID:    "cyc_1",
		ActorID:    "mgr-1",
		Department: "Engineering",
		Allocated:  dec("130000"),
	})
	if err != nil {
		t.Fatalf("RequestBudget: %v", err)
	}
	if row.Source != domain.BudgetSourceBottomUp || row.RequestedBy != "mgr-1" || !row.Allocated.Equal(dec("130000")) {
		t.Fatalf("unexpected requested row: %+v", row)
	}

	rows, err := f.budgets.ListBudgets(f.ctx, testTenant, "cyc_1")
	if err != nil {
		t.Fatalf("ListBudgets: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected department labels to share one row, got %d", len(rows))
	}
}

func TestBudgetServiceRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusPlanning, "500000")
	f.seedCycle("cyc_done", domain.CycleStatusCompleted, "500000")

	_, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_1", Entries: []BudgetEntry{{Department: "Eng", Allocated: dec("-1")}}})
	if !errors.Is(err, ErrBudgetInvalidInput) {
		t.Fatalf("expected negative allocation rejected, got %v", err)
	}
	_, err = f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_1", Entries: []BudgetEntry{{Department: "  ", Allocated: dec("1")}}})
	if !errors.Is(err, ErrBudgetInvalidInput) {
		t.Fatalf("expected blank department rejected, got %v", err)
	}
	_, err = f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_done", Entries: []BudgetEntry{{Department: "Eng", Allocated: dec("1")}}})
	if !errors.Is(err, ErrBudgetInvalidState) {
		t.Fatalf("expected terminal cycle rejected, got %v", err)
	}
}

func TestBudgetServiceRecalculateRemainingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusActive, "500000")
	if _, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_1", Entries: []BudgetEntry{{Department: "Eng", Allocated: dec("200000")}}}); err != nil {
		t.Fatalf("SetBudgets: %v", err)
	}

	first, err := f.budgets.RecalculateBudgetRemaining(f.ctx, "cyc_1")
	if err != nil {
		t.Fatalf("first recalc: %v", err)
	}
	second, err := f.budgets.RecalculateBudgetRemaining(f.ctx, "cyc_1")
	if err != nil {
		t.Fatalf("second recalc: %v", err)
	}
	if !first[0].Remaining.Equal(second[0].Remaining) || first[0].DriftPct != second[0].DriftPct {
		t.Fatalf("expected identical results, got %+v and %+v", first[0], second[0])
	}
	if first[0].DriftPct != -60 {
		t.Fatalf("expected -60%% allocation drift, got %v", first[0].DriftPct)
	}
}

func TestBudgetServiceRecalculateSpentAcrossStatuses(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusActive, "500000")
	f.addEmployee("e1", "Ada", "Engineering", "L3", "mgr-1")
	f.addEmployee("e2", "Grace", "Engineering", "L4", "mgr-2")
	f.addEmployee("e3", "Linus", "Sales", "L3", "mgr-3")
	if _, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_1", Entries: []BudgetEntry{
		{Department: "Engineering", Allocated: dec("300000")},
		{Department: "Engineering", ManagerID: "mgr-1", Allocated: dec("10000")},
		{Department: "Sales", Allocated: dec("1000")},
	}}); err != nil {
		t.Fatalf("SetBudgets: %v", err)
	}

	f.importRecs("cyc_1",
		merit("e1", "100000", "105000"),
		merit("e2", "200000", "210000"),
		merit("e3", "100000", "90000"),
	)
	// One of them moves on in the workflow; spend still counts it.
	f.submitAll("cyc_1", recID("cyc_1", "e2"))

	rows, err := f.budgets.RecalculateBudgetSpent(f.ctx, "cyc_1")
	if err != nil {
		t.Fatalf("RecalculateBudgetSpent: %v", err)
	}
	byKey := map[string]domain.Budget{}
	for _, b := range rows {
		byKey[b.Department+"/"+b.ManagerID] = b
	}
	if got := byKey["Engineering/"].Spent; !got.Equal(dec("15000")) {
		t.Fatalf("expected department spend 15000, got %s", got)
	}
	if got := byKey["Engineering/mgr-1"].Spent; !got.Equal(dec("5000")) {
		t.Fatalf("expected manager spend 5000, got %s", got)
	}
	if got := byKey["Sales/"]; !got.Spent.IsZero() || !got.Remaining.Equal(dec("1000")) {
		t.Fatalf("expected net decrease clamped to zero, got %+v", got)
	}
	for _, b := range rows {
		if !b.Allocated.Sub(b.Spent).Equal(b.Remaining) {
			t.Fatalf("remaining mismatch on %s/%s", b.Department, b.ManagerID)
		}
	}
}

func TestBudgetServiceRecalculateWithoutRows(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusActive, "500000")
	rows, err := f.budgets.RecalculateBudgetSpent(f.ctx, "cyc_1")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no rows and no error, got %v %v", rows, err)
	}
	if _, err := f.budgets.RecalculateBudgetSpent(f.ctx, "cyc_missing"); !errors.Is(err, ErrCycleNotFound) {
		t.Fatalf("expected ErrCycleNotFound, got %v", err)
	}
}
