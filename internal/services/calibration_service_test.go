package services

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
)

func calibrationFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusCalibration, "500000")
	f.addEmployee("e1", "Ada", "Engineering", "L3", "mgr-1")
	f.addEmployee("e2", "Bob", "Engineering", "L3", "mgr-1")
	f.addEmployee("e3", "Cy", "Engineering", "L4", "mgr-1")
	f.addEmployee("e4", "Di", "Sales", "L3", "mgr-2")
	f.importRecs("cyc_1",
		merit("e1", "100000", "104000"),
		merit("e2", "100000", "105000"),
		merit("e3", "150000", "156000"),
		merit("e4", "90000", "93000"),
	)
	return f
}

func (f *fixture) openSession(dept string) domain.CalibrationSession {
	f.t.Helper()
	session, err := f.calibration.CreateSession(f.ctx, CreateCalibrationSessionCommand{
		TenantID:   testTenant,
		CycleID:    "cyc_1",
		ActorID:    "hr-1",
		Name:       "Eng calibration",
		Department: dept,
	})
	if err != nil {
		f.t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func TestCalibrationServiceLockCompleteUnlocks(t *testing.T) {
	f := calibrationFixture(t)
	f.submitAll("cyc_1", recID("cyc_1", "e2"))
	session := f.openSession("engineering")
	if len(session.Participants) != 3 || session.Status != domain.CalibrationStatusActive {
		t.Fatalf("unexpected session: %+v", session)
	}

	locked, err := f.calibration.LockRecommendations(f.ctx, CalibrationLockCommand{TenantID: testTenant, SessionID: session.ID, ActorID: "hr-1"})
	if err != nil {
		t.Fatalf("LockRecommendations: %v", err)
	}
	if locked != 3 {
		t.Fatalf("expected 3 locked, got %d", locked)
	}
	for _, emp := range []string{"e1", "e2", "e3"} {
		rec := f.rec(recID("cyc_1", emp))
		if !rec.Locked || rec.LockedBySession != session.ID {
			t.Fatalf("expected %s locked by %s, got %+v", emp, session.ID, rec)
		}
	}
	if f.rec(recID("cyc_1", "e4")).Locked {
		t.Fatalf("expected non-participant untouched")
	}

	completed := domain.CalibrationStatusCompleted
	closed, err := f.calibration.UpdateSession(f.ctx, UpdateCalibrationSessionCommand{TenantID: testTenant, SessionID: session.ID, ActorID: "hr-1", Status: &completed})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if closed.Status != domain.CalibrationStatusCompleted || closed.CompletedAt == nil {
		t.Fatalf("expected completed session, got %+v", closed)
	}
	for _, emp := range []string{"e1", "e2", "e3"} {
		rec := f.rec(recID("cyc_1", emp))
		if rec.Locked || rec.LockedBySession != "" || rec.Status != domain.RecommendationStatusSubmitted {
			t.Fatalf("expected %s unlocked and SUBMITTED, got %+v", emp, rec)
		}
	}

	rank := 1
	_, err = f.calibration.UpdateSession(f.ctx, UpdateCalibrationSessionCommand{
		TenantID:  testTenant,
		SessionID: session.ID,
		Outcomes:  map[string]CalibrationOutcomeInput{recID("cyc_1", "e1"): {Rank: &rank}},
	})
	if !errors.Is(err, ErrCalibrationInvalidState) {
		t.Fatalf("expected closed session to be immutable, got %v", err)
	}
	if _, err := f.calibration.LockRecommendations(f.ctx, CalibrationLockCommand{TenantID: testTenant, SessionID: session.ID}); !errors.Is(err, ErrCalibrationInvalidState) {
		t.Fatalf("expected lock on closed session refused, got %v", err)
	}
}

func TestCalibrationServiceOutcomesAdjustProposals(t *testing.T) {
	f := calibrationFixture(t)
	if _, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_1", Entries: []BudgetEntry{{Department: "Engineering", Allocated: dec("20000")}}}); err != nil {
		t.Fatalf("SetBudgets: %v", err)
	}
	session := f.openSession("Engineering")
	adjusted := dec("102000")
	rank := 2

	updated, err := f.calibration.UpdateSession(f.ctx, UpdateCalibrationSessionCommand{
		TenantID:  testTenant,
		SessionID: session.ID,
		ActorID:   "hr-2",
		Outcomes: map[string]CalibrationOutcomeInput{
			recID("cyc_1", "e1"): {AdjustedValue: &adjusted, Rank: &rank, Notes: " trimmed "},
		},
		Metadata: map[string]any{"room": "A"},
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	outcome := updated.Outcomes[recID("cyc_1", "e1")]
	if outcome.RecordedBy != "hr-2" || outcome.Notes != "trimmed" || *outcome.Rank != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if updated.Metadata["room"] != "A" {
		t.Fatalf("expected metadata merged, got %v", updated.Metadata)
	}
	if got := f.rec(recID("cyc_1", "e1")).ProposedValue; !got.Equal(adjusted) {
		t.Fatalf("expected proposal adjusted, got %s", got)
	}
	// Engineering spend: 2000 + 5000 + 6000.
	rows, _ := f.budgets.ListBudgets(f.ctx, testTenant, "cyc_1")
	if !rows[0].Spent.Equal(dec("13000")) {
		t.Fatalf("expected ledger refreshed, got %s", rows[0].Spent)
	}
}

func TestCalibrationServiceAdjustAndCompleteInOneUpdate(t *testing.T) {
	f := calibrationFixture(t)
	f.submitAll("cyc_1", recID("cyc_1", "e1"), recID("cyc_1", "e2"), recID("cyc_1", "e3"))
	session := f.openSession("Engineering")
	if _, err := f.calibration.LockRecommendations(f.ctx, CalibrationLockCommand{TenantID: testTenant, SessionID: session.ID, ActorID: "hr-1"}); err != nil {
		t.Fatalf("LockRecommendations: %v", err)
	}

	adjusted := dec("103500")
	completed := domain.CalibrationStatusCompleted
	closed, err := f.calibration.UpdateSession(f.ctx, UpdateCalibrationSessionCommand{
		TenantID:  testTenant,
		SessionID: session.ID,
		ActorID:   "hr-1",
		Status:    &completed,
		Outcomes: map[string]CalibrationOutcomeInput{
			recID("cyc_1", "e1"): {AdjustedValue: &adjusted},
		},
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if closed.Status != domain.CalibrationStatusCompleted || closed.CompletedAt == nil {
		t.Fatalf("expected completed session, got %+v", closed)
	}
	if got := closed.Outcomes[recID("cyc_1", "e1")].AdjustedValue; got == nil || !got.Equal(adjusted) {
		t.Fatalf("expected outcome recorded, got %+v", closed.Outcomes)
	}

	e1 := f.rec(recID("cyc_1", "e1"))
	if !e1.ProposedValue.Equal(adjusted) {
		t.Fatalf("expected proposal adjusted to %s, got %s", adjusted, e1.ProposedValue)
	}
	for _, emp := range []string{"e1", "e2", "e3"} {
		rec := f.rec(recID("cyc_1", emp))
		if rec.Locked || rec.LockedBySession != "" || rec.Status != domain.RecommendationStatusSubmitted {
			t.Fatalf("expected %s unlocked and SUBMITTED, got %+v", emp, rec)
		}
	}
	if got := f.rec(recID("cyc_1", "e2")).ProposedValue; !got.Equal(dec("105000")) {
		t.Fatalf("expected untouched proposal for e2, got %s", got)
	}
}

func TestCalibrationServiceRejectsBadOutcomes(t *testing.T) {
	f := calibrationFixture(t)
	session := f.openSession("Engineering")
	negative := decimal.NewFromInt(-1)

	_, err := f.calibration.UpdateSession(f.ctx, UpdateCalibrationSessionCommand{
		TenantID:  testTenant,
		SessionID: session.ID,
		Outcomes:  map[string]CalibrationOutcomeInput{recID("cyc_1", "e4"): {}},
	})
	if !errors.Is(err, ErrCalibrationInvalidInput) {
		t.Fatalf("expected non-participant rejected, got %v", err)
	}
	_, err = f.calibration.UpdateSession(f.ctx, UpdateCalibrationSessionCommand{
		TenantID:  testTenant,
		SessionID: session.ID,
		Outcomes:  map[string]CalibrationOutcomeInput{recID("cyc_1", "e1"): {AdjustedValue: &negative}},
	})
	if !errors.Is(err, ErrCalibrationInvalidInput) {
		t.Fatalf("expected negative adjustment rejected, got %v", err)
	}
}

func TestCalibrationServiceEmptyFilter(t *testing.T) {
	f := calibrationFixture(t)
	_, err := f.calibration.CreateSession(f.ctx, CreateCalibrationSessionCommand{TenantID: testTenant, CycleID: "cyc_1", Name: "Nobody", Department: "Legal"})
	if !errors.Is(err, ErrCalibrationInvalidState) {
		t.Fatalf("expected empty selection refused, got %v", err)
	}
}

func TestCalibrationServiceExplicitParticipantsAndUnlock(t *testing.T) {
	f := calibrationFixture(t)
	session, err := f.calibration.CreateSession(f.ctx, CreateCalibrationSessionCommand{
		TenantID:          testTenant,
		CycleID:           "cyc_1",
		Name:              "Pair",
		RecommendationIDs: []string{recID("cyc_1", "e1"), recID("cyc_1", "e4"), "rec_elsewhere"},
		Department:        "Engineering",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(session.Participants) != 2 || session.Filter.Department != "" {
		t.Fatalf("expected explicit ids to take precedence, got %+v", session)
	}
	if _, err := f.calibration.LockRecommendations(f.ctx, CalibrationLockCommand{TenantID: testTenant, SessionID: session.ID}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	n, err := f.calibration.UnlockRecommendations(f.ctx, CalibrationLockCommand{TenantID: testTenant, SessionID: session.ID})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 unlocked, got %d %v", n, err)
	}
	if rec := f.rec(recID("cyc_1", "e4")); rec.Locked || rec.Status != domain.RecommendationStatusSubmitted {
		t.Fatalf("unexpected unlocked row: %+v", rec)
	}
	sessions, err := f.calibration.ListSessions(f.ctx, testTenant, "cyc_1")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one session listed, got %d %v", len(sessions), err)
	}
	if _, err := f.calibration.GetSession(f.ctx, "tnt_other", session.ID); !errors.Is(err, ErrCalibrationNotFound) {
		t.Fatalf("expected other tenant hidden, got %v", err)
	}
}
