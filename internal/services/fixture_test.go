package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/jobs"
	"github.com/meritflow/compcycle/internal/repositories/memory"
)

const testTenant = "tnt_acme"

type stubEvaluator struct {
	fn    func(subject domain.RuleSubject, set domain.RuleSet) (domain.RuleEvaluation, error)
	calls int
}

func (s *stubEvaluator) Evaluate(_ context.Context, subject domain.RuleSubject, set domain.RuleSet) (domain.RuleEvaluation, error) {
	s.calls++
	if s.fn == nil {
		return domain.RuleEvaluation{}, nil
	}
	return s.fn(subject, set)
}

// fixture wires every service over one memory registry with a controllable clock.
type fixture struct {
	t   *testing.T
	ctx context.Context
	now time.Time

	reg       *memory.Registry
	queue     *jobs.MemoryQueue
	audit     *stubAuditService
	evaluator *stubEvaluator
	logs      *captureLogger

	cycles        CycleService
	budgets       BudgetService
	recs          RecommendationService
	approvals     ApprovalService
	calibration   CalibrationService
	notifications NotificationService
	monitors      MonitorService
	scheduler     MonitorScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		reg:       memory.NewRegistry(),
		audit:     &stubAuditService{},
		evaluator: &stubEvaluator{},
		logs:      &captureLogger{},
	}
	clock := func() time.Time { return f.now }
	f.queue = jobs.NewMemoryQueue(clock)
	seq := 0
	nextID := func(prefix string) func() string {
		return func() string {
			seq++
			return fmt.Sprintf("%s%03d", prefix, seq)
		}
	}

	var err error
	must := func(step string) {
		if err != nil {
			t.Fatalf("%s: %v", step, err)
		}
	}
	f.cycles, err = NewCycleService(CycleServiceDeps{
		Cycles:          f.reg.Cycles(),
		Recommendations: f.reg.Recommendations(),
		UnitOfWork:      f.reg,
		Audit:           f.audit,
		Clock:           clock,
		IDGenerator:     nextID("cyc_"),
		Logger:          f.logs.log,
	})
	must("cycle service")
	f.budgets, err = NewBudgetService(BudgetServiceDeps{
		Cycles:          f.reg.Cycles(),
		Budgets:         f.reg.Budgets(),
		Recommendations: f.reg.Recommendations(),
		UnitOfWork:      f.reg,
		Audit:           f.audit,
		Clock:           clock,
		Logger:          f.logs.log,
	})
	must("budget service")
	f.recs, err = NewRecommendationService(RecommendationServiceDeps{
		Cycles:          f.reg.Cycles(),
		Recommendations: f.reg.Recommendations(),
		Employees:       f.reg.Employees(),
		Budgets:         f.budgets,
		UnitOfWork:      f.reg,
		Audit:           f.audit,
		Clock:           clock,
		Logger:          f.logs.log,
		BatchSize:       2,
	})
	must("recommendation service")
	f.notifications, err = NewNotificationService(NotificationServiceDeps{
		Repository:  f.reg.Notifications(),
		Clock:       clock,
		IDGenerator: nextID("ntf_"),
	})
	must("notification service")
	f.approvals, err = NewApprovalService(ApprovalServiceDeps{
		Cycles:          f.reg.Cycles(),
		Recommendations: f.reg.Recommendations(),
		Notifications:   f.notifications,
		Jobs:            f.queue,
		UnitOfWork:      f.reg,
		Audit:           f.audit,
		Clock:           clock,
		Logger:          f.logs.log,
		BatchSize:       2,
	})
	must("approval service")
	f.calibration, err = NewCalibrationService(CalibrationServiceDeps{
		Cycles:          f.reg.Cycles(),
		Recommendations: f.reg.Recommendations(),
		Sessions:        f.reg.CalibrationSessions(),
		Budgets:         f.budgets,
		UnitOfWork:      f.reg,
		Audit:           f.audit,
		Clock:           clock,
		IDGenerator:     nextID("cal_"),
		Logger:          f.logs.log,
	})
	must("calibration service")
	f.monitors, err = NewMonitorService(MonitorServiceDeps{
		Cycles:          f.reg.Cycles(),
		Budgets:         f.reg.Budgets(),
		Recommendations: f.reg.Recommendations(),
		RuleSets:        f.reg.RuleSets(),
		Members:         f.reg.Members(),
		Notifications:   f.notifications,
		Evaluator:       f.evaluator,
		UnitOfWork:      f.reg,
		Clock:           clock,
		Logger:          f.logs.log,
		IDGenerator:     nextID("mon_"),
	})
	must("monitor service")
	f.scheduler, err = NewMonitorScheduler(MonitorSchedulerDeps{
		Cycles: f.reg.Cycles(),
		Jobs:   f.queue,
		Audit:  f.audit,
		Clock:  clock,
		Logger: f.logs.log,
	})
	must("monitor scheduler")
	return f
}

// seedCycle stores a cycle directly in the given status.
func (f *fixture) seedCycle(id string, status domain.CycleStatus, budget string) domain.Cycle {
	f.t.Helper()
	cycle := domain.Cycle{
		ID:          id,
		TenantID:    testTenant,
		Name:        "FY26 Merit",
		CycleType:   domain.CycleTypeMerit,
		Status:      status,
		BudgetTotal: decimal.RequireFromString(budget),
		Currency:    "USD",
		StartDate:   f.now.AddDate(0, 0, -10),
		EndDate:     f.now.AddDate(0, 0, 20),
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	if err := f.reg.Cycles().Insert(f.ctx, cycle); err != nil {
		f.t.Fatalf("seed cycle: %v", err)
	}
	return cycle
}

func (f *fixture) addEmployee(id, name, dept, level, manager string) {
	f.reg.AddEmployees(domain.Employee{
		TenantID: testTenant,
		Active:   true,
		EmployeeSnapshot: domain.EmployeeSnapshot{
			ID:         id,
			Name:       name,
			Department: dept,
			Level:      level,
			ManagerID:  manager,
		},
	})
}

func merit(employeeID, current, proposed string) RecommendationInput {
	return RecommendationInput{
		EmployeeID:     employeeID,
		RecType:        domain.RecommendationTypeMerit,
		CurrentValue:   decimal.RequireFromString(current),
		ProposedValue:  decimal.RequireFromString(proposed),
		ApproverUserID: "mgr-1",
	}
}

func (f *fixture) importRecs(cycleID string, items ...RecommendationInput) BulkCreateResult {
	f.t.Helper()
	res, err := f.recs.BulkCreateRecommendations(f.ctx, BulkCreateRecommendationsCommand{
		TenantID: testTenant,
		CycleID:  cycleID,
		ActorID:  "hr-1",
		Items:    items,
	})
	if err != nil {
		f.t.Fatalf("bulk create: %v", err)
	}
	return res
}

func (f *fixture) submitAll(cycleID string, ids ...string) {
	f.t.Helper()
	res, err := f.recs.SubmitRecommendations(f.ctx, SubmitRecommendationsCommand{
		TenantID:          testTenant,
		CycleID:           cycleID,
		ActorID:           "mgr-1",
		RecommendationIDs: ids,
	})
	if err != nil {
		f.t.Fatalf("submit: %v", err)
	}
	if res.Submitted != len(ids) {
		f.t.Fatalf("expected %d submitted, got %+v", len(ids), res)
	}
}

func (f *fixture) rec(id string) domain.Recommendation {
	f.t.Helper()
	rec, err := f.reg.Recommendations().FindByID(f.ctx, id)
	if err != nil {
		f.t.Fatalf("find recommendation %s: %v", id, err)
	}
	return rec
}

func (f *fixture) cycle(id string) domain.Cycle {
	f.t.Helper()
	c, err := f.reg.Cycles().FindByID(f.ctx, id)
	if err != nil {
		f.t.Fatalf("find cycle %s: %v", id, err)
	}
	return c
}

func recID(cycleID, employeeID string) string {
	return domain.RecommendationID(cycleID, employeeID, domain.RecommendationTypeMerit)
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
