package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
)

func TestCycleServiceCreateCycleStartsInDraft(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	cycle, err := f.cycles.CreateCycle(f.ctx, CreateCycleCommand{
		TenantID:    testTenant,
		ActorID:     "hr-1",
		Name:        "  FY26 Merit ",
		CycleType:   domain.CycleTypeMerit,
		BudgetTotal: dec("500000"),
		Currency:    "usd",
		StartDate:   start,
		EndDate:     start.AddDate(0, 1, 0),
	})
	if err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}
	if cycle.Status != domain.CycleStatusDraft {
		t.Fatalf("expected DRAFT, got %s", cycle.Status)
	}
	if cycle.Name != "FY26 Merit" || cycle.Currency != "USD" {
		t.Fatalf("expected normalised name and currency, got %q %q", cycle.Name, cycle.Currency)
	}
	if !hasAction(f.audit.actions(), "cycle.create") {
		t.Fatalf("expected cycle.create audit, got %v", f.audit.actions())
	}
}

func TestCycleServiceCreateCycleValidation(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	neg := -1.0
	cases := map[string]CreateCycleCommand{
		"missing tenant":     {Name: "x", CycleType: domain.CycleTypeMerit},
		"missing name":       {TenantID: testTenant, CycleType: domain.CycleTypeMerit},
		"unknown type":       {TenantID: testTenant, Name: "x", CycleType: "SPOT"},
		"negative budget":    {TenantID: testTenant, Name: "x", CycleType: domain.CycleTypeMerit, BudgetTotal: dec("-1")},
		"end before start":   {TenantID: testTenant, Name: "x", CycleType: domain.CycleTypeMerit, StartDate: start, EndDate: start.AddDate(0, 0, -1)},
		"unknown chain role": {TenantID: testTenant, Name: "x", CycleType: domain.CycleTypeMerit, ApprovalChain: []domain.Role{"CEO"}},
		"negative threshold": {TenantID: testTenant, Name: "x", CycleType: domain.CycleTypeMerit, DriftThresholdPct: &neg},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.cycles.CreateCycle(f.ctx, cmd); !errors.Is(err, ErrCycleInvalidInput) {
				t.Fatalf("expected ErrCycleInvalidInput, got %v", err)
			}
		})
	}
}

func TestCycleServiceTransitionRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusDraft, "500000")

	updated, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{
		TenantID:  testTenant,
		CycleID:   "cyc_1",
		Target:    domain.CycleStatusPlanning,
		ActorID:   "hr-1",
		ActorRole: domain.RoleHRManager,
		Reason:    "kickoff",
	})
	if err != nil {
		t.Fatalf("TransitionCycle: %v", err)
	}
	if updated.Status != domain.CycleStatusPlanning {
		t.Fatalf("expected PLANNING, got %s", updated.Status)
	}
	last := updated.Settings.LastTransition
	if last == nil || last.From != domain.CycleStatusDraft || last.To != domain.CycleStatusPlanning || last.Reason != "kickoff" || last.Actor != "hr-1" {
		t.Fatalf("unexpected transition record: %+v", last)
	}
	if len(updated.Settings.TransitionHistory) != 1 {
		t.Fatalf("expected one history entry, got %d", len(updated.Settings.TransitionHistory))
	}
	if !hasAction(f.audit.actions(), "cycle.transition") {
		t.Fatalf("expected transition audit")
	}
}

func TestCycleServiceInvalidTransitionLeavesStatusUnchanged(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusDraft, "500000")

	_, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{
		TenantID:  testTenant,
		CycleID:   "cyc_1",
		Target:    domain.CycleStatusCompleted,
		ActorRole: domain.RoleAdmin,
	})
	if !errors.Is(err, ErrCycleInvalidTransition) {
		t.Fatalf("expected ErrCycleInvalidTransition, got %v", err)
	}
	if got := f.cycle("cyc_1"); got.Status != domain.CycleStatusDraft || got.Settings.LastTransition != nil {
		t.Fatalf("expected cycle untouched, got %s %+v", got.Status, got.Settings.LastTransition)
	}
}

func TestCycleServiceTerminalStatesHaveNoExits(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_done", domain.CycleStatusCompleted, "1")

	for _, target := range domain.AllCycleStatuses {
		_, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{TenantID: testTenant, CycleID: "cyc_done", Target: target, ActorRole: domain.RoleAdmin})
		if !errors.Is(err, ErrCycleInvalidTransition) {
			t.Fatalf("target %s: expected ErrCycleInvalidTransition, got %v", target, err)
		}
	}
	if got := f.cycles.AllowedTransitions(domain.CycleStatusCancelled); len(got) != 0 {
		t.Fatalf("expected no exits from CANCELLED, got %v", got)
	}
}

func TestCycleServiceRoleGuard(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusPlanning, "500000")

	_, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{
		TenantID:  testTenant,
		CycleID:   "cyc_1",
		Target:    domain.CycleStatusCancelled,
		ActorRole: domain.RoleHRManager,
	})
	if !errors.Is(err, ErrCycleForbidden) {
		t.Fatalf("expected ErrCycleForbidden, got %v", err)
	}
	if f.cycle("cyc_1").Status != domain.CycleStatusPlanning {
		t.Fatalf("expected status unchanged")
	}

	// Unguarded edges accept any role.
	if _, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{
		TenantID:  testTenant,
		CycleID:   "cyc_1",
		Target:    domain.CycleStatusDraft,
		ActorRole: domain.RoleEmployee,
	}); err != nil {
		t.Fatalf("expected unguarded edge to pass, got %v", err)
	}
}

func TestCycleServiceValidators(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_zero", domain.CycleStatusPlanning, "0")
	f.seedCycle("cyc_empty", domain.CycleStatusActive, "1000")

	_, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{TenantID: testTenant, CycleID: "cyc_zero", Target: domain.CycleStatusActive, ActorRole: domain.RoleAdmin})
	if !errors.Is(err, ErrCycleInvalidState) {
		t.Fatalf("expected zero budget to block activation, got %v", err)
	}
	_, err = f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{TenantID: testTenant, CycleID: "cyc_empty", Target: domain.CycleStatusCalibration, ActorRole: domain.RoleAdmin})
	if !errors.Is(err, ErrCycleInvalidState) {
		t.Fatalf("expected empty cycle to block calibration, got %v", err)
	}

	f.addEmployee("e1", "Ada", "Engineering", "L3", "mgr-1")
	f.importRecs("cyc_empty", merit("e1", "100000", "104000"))
	if _, err := f.cycles.TransitionCycle(f.ctx, TransitionCycleCommand{TenantID: testTenant, CycleID: "cyc_empty", Target: domain.CycleStatusCalibration, ActorRole: domain.RoleAdmin}); err != nil {
		t.Fatalf("expected calibration once recommendations exist, got %v", err)
	}
}

func TestCycleServiceAllowedTransitionsOrder(t *testing.T) {
	f := newFixture(t)
	got := f.cycles.AllowedTransitions(domain.CycleStatusActive)
	want := []domain.CycleStatus{domain.CycleStatusCalibration, domain.CycleStatusApproval, domain.CycleStatusCancelled}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	got[0] = domain.CycleStatusDraft
	if f.cycles.AllowedTransitions(domain.CycleStatusActive)[0] != domain.CycleStatusCalibration {
		t.Fatalf("expected callers not to mutate the machine")
	}
}

func TestCycleServiceHidesOtherTenants(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusDraft, "1")
	if _, err := f.cycles.GetCycle(f.ctx, "tnt_other", "cyc_1"); !errors.Is(err, ErrCycleNotFound) {
		t.Fatalf("expected ErrCycleNotFound, got %v", err)
	}
}

func TestCycleServiceTransitionDetectsConcurrentChange(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusActive, "1000")

	svc := f.cycles.(*cycleService)
	repo := svc.cycles
	svc.machine = newCycleStateMachine(func(ctx context.Context, cycleID string) (int, error) {
		// Another writer cancels the cycle while the validator runs.
		current, err := repo.FindByID(ctx, cycleID)
		if err != nil {
			return 0, err
		}
		current.Status = domain.CycleStatusCancelled
		if err := repo.Update(ctx, current); err != nil {
			return 0, err
		}
		return 1, nil
	})

	_, err := svc.TransitionCycle(f.ctx, TransitionCycleCommand{TenantID: testTenant, CycleID: "cyc_1", Target: domain.CycleStatusCalibration, ActorRole: domain.RoleAdmin})
	if !errors.Is(err, ErrCycleConflict) {
		t.Fatalf("expected ErrCycleConflict, got %v", err)
	}
	if f.cycle("cyc_1").Status != domain.CycleStatusCancelled {
		t.Fatalf("expected concurrent write to stand")
	}
}

func TestCycleServiceUpdateSettingsMerges(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusActive, "1000")
	delay := int64(3600000)

	updated, err := f.cycles.UpdateCycleSettings(f.ctx, UpdateCycleSettingsCommand{TenantID: testTenant, CycleID: "cyc_1", EscalationDelayMs: &delay})
	if err != nil {
		t.Fatalf("UpdateCycleSettings: %v", err)
	}
	threshold := 7.5
	updated, err = f.cycles.UpdateCycleSettings(f.ctx, UpdateCycleSettingsCommand{TenantID: testTenant, CycleID: "cyc_1", DriftThresholdPct: &threshold})
	if err != nil {
		t.Fatalf("UpdateCycleSettings: %v", err)
	}
	if updated.Settings.EscalationDelayMs == nil || *updated.Settings.EscalationDelayMs != delay {
		t.Fatalf("expected earlier setting kept, got %v", updated.Settings.EscalationDelayMs)
	}
	if updated.Settings.DriftThresholdPct == nil || *updated.Settings.DriftThresholdPct != 7.5 {
		t.Fatalf("expected threshold set, got %v", updated.Settings.DriftThresholdPct)
	}

	if _, err := f.cycles.UpdateCycleSettings(f.ctx, UpdateCycleSettingsCommand{TenantID: testTenant, CycleID: "cyc_1"}); !errors.Is(err, ErrCycleInvalidInput) {
		t.Fatalf("expected empty update rejected, got %v", err)
	}
}
