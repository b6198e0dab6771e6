package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/jobs"
)

// monitorFixture builds a cycle that trips every detector: the only recommendation is a 30% raise
// charged against a 10000 department budget.
func monitorFixture(t *testing.T, withAdmin bool) *fixture {
	t.Helper()
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusActive, "500000")
	f.addEmployee("e1", "Ada", "Engineering", "L3", "mgr-1")
	if withAdmin {
		f.reg.AddMember(domain.TenantMember{TenantID: testTenant, UserID: "admin-1", Role: domain.RoleAdmin})
		f.reg.AddMember(domain.TenantMember{TenantID: testTenant, UserID: "admin-2", Role: domain.RoleAdmin})
	}
	if _, err := f.budgets.SetBudgets(f.ctx, SetBudgetsCommand{TenantID: testTenant, CycleID: "cyc_1", Entries: []BudgetEntry{{Department: "Engineering", Allocated: dec("10000")}}}); err != nil {
		t.Fatalf("SetBudgets: %v", err)
	}
	f.importRecs("cyc_1", merit("e1", "100000", "130000"))
	return f
}

func TestMonitorServiceRunMonitorsAlertsAdmin(t *testing.T) {
	f := monitorFixture(t, true)

	run, err := f.monitors.RunMonitors(f.ctx, MonitorRunCommand{TenantID: testTenant, CycleID: "cyc_1"})
	if err != nil {
		t.Fatalf("RunMonitors: %v", err)
	}
	if run.Trigger != monitorTriggerManual || run.RunID == "" {
		t.Fatalf("unexpected run header: %+v", run)
	}
	// Cycle drift, department drift, one policy summary and one outlier summary.
	if run.AlertsCreated != 4 || run.Violations != 1 || run.Outliers != 1 || !run.DriftExceeded || run.DepartmentsOver != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}

	notes := f.reg.AllNotifications()
	if len(notes) != 4 {
		t.Fatalf("expected 4 notifications, got %d", len(notes))
	}
	for _, n := range notes {
		if n.UserID != "admin-1" || n.Type != domain.NotificationTypeMonitorAlert {
			t.Fatalf("expected alerts for the first admin, got %+v", n)
		}
		if n.Metadata["cycleId"] != "cyc_1" || n.Body == "" {
			t.Fatalf("expected alert metadata and body, got %+v", n)
		}
	}

	cycle := f.cycle("cyc_1")
	if cycle.Settings.LastMonitorRun == nil || cycle.Settings.LastMonitorRun.RunID != run.RunID {
		t.Fatalf("expected last run recorded, got %+v", cycle.Settings.LastMonitorRun)
	}
	if !f.logs.has("monitor.run_completed") {
		t.Fatalf("expected completion log")
	}
}

func TestMonitorServiceHistoryIsBounded(t *testing.T) {
	f := monitorFixture(t, true)
	var last domain.MonitorRunRecord
	for i := 0; i < 10; i++ {
		f.now = f.now.Add(time.Minute)
		run, err := f.monitors.RunMonitors(f.ctx, MonitorRunCommand{TenantID: testTenant, CycleID: "cyc_1", Trigger: "scheduled"})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		last = run
	}
	settings := f.cycle("cyc_1").Settings
	if len(settings.MonitorHistory) != domain.MaxMonitorHistory {
		t.Fatalf("expected %d history entries, got %d", domain.MaxMonitorHistory, len(settings.MonitorHistory))
	}
	if settings.MonitorHistory[len(settings.MonitorHistory)-1].RunID != last.RunID || settings.LastMonitorRun.RunID != last.RunID {
		t.Fatalf("expected newest run kept last")
	}
}

func TestMonitorServiceUnroutedAlerts(t *testing.T) {
	f := monitorFixture(t, false)

	run, err := f.monitors.RunMonitors(f.ctx, MonitorRunCommand{TenantID: testTenant, CycleID: "cyc_1"})
	if err != nil {
		t.Fatalf("RunMonitors: %v", err)
	}
	if run.AlertsCreated != 0 || len(f.reg.AllNotifications()) != 0 {
		t.Fatalf("expected no notifications without an admin, got %+v", run)
	}
	if !f.logs.has("monitor.alerts_unrouted") {
		t.Fatalf("expected unrouted warning")
	}
}

func TestMonitorServiceThresholdResolution(t *testing.T) {
	f := monitorFixture(t, false)

	drift, err := f.monitors.DetectBudgetDrift(f.ctx, MonitorQuery{TenantID: testTenant, CycleID: "cyc_1"})
	if err != nil {
		t.Fatalf("DetectBudgetDrift: %v", err)
	}
	if drift.ThresholdPct != DefaultDriftThresholdPct {
		t.Fatalf("expected default threshold, got %v", drift.ThresholdPct)
	}

	setting := 250.0
	if _, err := f.cycles.UpdateCycleSettings(f.ctx, UpdateCycleSettingsCommand{TenantID: testTenant, CycleID: "cyc_1", DriftThresholdPct: &setting}); err != nil {
		t.Fatalf("UpdateCycleSettings: %v", err)
	}
	drift, err = f.monitors.DetectBudgetDrift(f.ctx, MonitorQuery{TenantID: testTenant, CycleID: "cyc_1"})
	if err != nil {
		t.Fatalf("DetectBudgetDrift: %v", err)
	}
	// Engineering is 200% over its allocation, inside the cycle's own threshold.
	if drift.ThresholdPct != 250 || len(drift.ExceededDepartments()) != 0 {
		t.Fatalf("expected cycle threshold applied, got %+v", drift)
	}

	override := 1.0
	drift, err = f.monitors.DetectBudgetDrift(f.ctx, MonitorQuery{TenantID: testTenant, CycleID: "cyc_1", ThresholdPct: &override})
	if err != nil || drift.ThresholdPct != 1 {
		t.Fatalf("expected explicit override, got %v %v", drift.ThresholdPct, err)
	}

	negative := -1.0
	if _, err := f.monitors.DetectBudgetDrift(f.ctx, MonitorQuery{TenantID: testTenant, CycleID: "cyc_1", ThresholdPct: &negative}); !errors.Is(err, ErrMonitorInvalidInput) {
		t.Fatalf("expected negative threshold rejected, got %v", err)
	}
	if _, err := f.monitors.GenerateSummary(f.ctx, MonitorQuery{TenantID: "tnt_other", CycleID: "cyc_1"}); !errors.Is(err, ErrCycleNotFound) {
		t.Fatalf("expected other tenant hidden, got %v", err)
	}
}

func TestMonitorServiceSummaryAndPolicy(t *testing.T) {
	f := monitorFixture(t, false)
	if err := f.reg.RuleSets().Upsert(f.ctx, domain.RuleSet{ID: "rs_1", TenantID: testTenant, Name: "Merit policy", Status: domain.RuleSetStatusActive}); err != nil {
		t.Fatalf("seed rule set: %v", err)
	}
	f.evaluator.fn = func(domain.RuleSubject, domain.RuleSet) (domain.RuleEvaluation, error) {
		return domain.RuleEvaluation{Blocked: true}, nil
	}

	policy, err := f.monitors.DetectPolicyViolations(f.ctx, MonitorQuery{TenantID: testTenant, CycleID: "cyc_1"})
	if err != nil {
		t.Fatalf("DetectPolicyViolations: %v", err)
	}
	if policy.RuleSetsEvaluated != 1 || policy.CriticalCount() != 1 || f.evaluator.calls != 1 {
		t.Fatalf("unexpected policy result: %+v", policy)
	}

	summary, err := f.monitors.GenerateSummary(f.ctx, MonitorQuery{TenantID: testTenant, CycleID: "cyc_1"})
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if summary.CycleName != "FY26 Merit" || summary.Progress.Total != 1 || len(summary.Blockers) != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Markdown == "" {
		t.Fatalf("expected markdown rendering")
	}
}

func TestMonitorSchedulerFanOutDeduplicatesPerHour(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_active", domain.CycleStatusActive, "1")
	f.seedCycle("cyc_approval", domain.CycleStatusApproval, "1")
	f.seedCycle("cyc_draft", domain.CycleStatusDraft, "1")
	f.seedCycle("cyc_done", domain.CycleStatusCompleted, "1")

	n, err := f.scheduler.FanOut(f.ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 runs enqueued, got %d %v", n, err)
	}
	n, err = f.scheduler.FanOut(f.ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected repeat within the hour to enqueue nothing, got %d %v", n, err)
	}
	f.now = f.now.Add(time.Hour)
	n, err = f.scheduler.FanOut(f.ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected a fresh hour to enqueue again, got %d %v", n, err)
	}

	pending := f.queue.Pending()
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending runs, got %d", len(pending))
	}
	var payload MonitorRunPayload
	if err := pending[0].Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Trigger != monitorTriggerScheduled || payload.TenantID != testTenant {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if pending[0].DedupeKey != "monitor:"+payload.CycleID+":2026031012" {
		t.Fatalf("unexpected dedupe key %q", pending[0].DedupeKey)
	}
}

func TestMonitorSchedulerTriggerManualRun(t *testing.T) {
	f := newFixture(t)
	f.seedCycle("cyc_1", domain.CycleStatusCalibration, "1")
	f.seedCycle("cyc_done", domain.CycleStatusCancelled, "1")

	job, err := f.scheduler.TriggerManualRun(f.ctx, TriggerMonitorRunCommand{TenantID: testTenant, CycleID: "cyc_1", ActorID: "hr-1"})
	if err != nil {
		t.Fatalf("TriggerManualRun: %v", err)
	}
	if job.Name != JobMonitorRun || job.ID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if !hasAction(f.audit.actions(), "monitor.trigger") {
		t.Fatalf("expected trigger audit")
	}
	if _, err := f.scheduler.TriggerManualRun(f.ctx, TriggerMonitorRunCommand{TenantID: testTenant, CycleID: "cyc_done"}); !errors.Is(err, ErrCycleInvalidState) {
		t.Fatalf("expected terminal cycle refused, got %v", err)
	}
}

func TestJobHandlersDispatch(t *testing.T) {
	f := monitorFixture(t, true)
	dispatcher := jobs.NewLocalDispatcher()
	JobHandlers{
		Approvals: f.approvals,
		Monitors:  f.monitors,
		Scheduler: f.scheduler,
		Logger:    f.logs.log,
	}.Register(dispatcher)

	run := jobs.Job{ID: "job_1", Name: JobMonitorRun, Payload: json.RawMessage(`{"tenantId":"tnt_acme","cycleId":"cyc_1","trigger":"scheduled"}`)}
	if err := dispatcher.Dispatch(f.ctx, run); err != nil {
		t.Fatalf("dispatch run: %v", err)
	}
	if last := f.cycle("cyc_1").Settings.LastMonitorRun; last == nil || last.Trigger != "scheduled" {
		t.Fatalf("expected scheduled run recorded, got %+v", last)
	}

	gone := jobs.Job{ID: "job_2", Name: JobMonitorRun, Payload: json.RawMessage(`{"tenantId":"tnt_acme","cycleId":"cyc_deleted"}`)}
	if err := dispatcher.Dispatch(f.ctx, gone); err != nil {
		t.Fatalf("expected missing cycle acknowledged, got %v", err)
	}
	if !f.logs.has("jobs.target_missing") {
		t.Fatalf("expected missing target logged")
	}

	blank := jobs.Job{ID: "job_3", Name: JobMonitorRun, Payload: json.RawMessage(`{"tenantId":"tnt_acme"}`)}
	if err := dispatcher.Dispatch(f.ctx, blank); !errors.Is(err, jobs.ErrInvalidJob) {
		t.Fatalf("expected invalid job, got %v", err)
	}

	if err := dispatcher.Dispatch(f.ctx, jobs.Job{ID: "job_4", Name: JobMonitorFanout}); err != nil {
		t.Fatalf("dispatch fanout: %v", err)
	}
	if len(f.queue.Pending()) != 1 {
		t.Fatalf("expected fan-out to enqueue the active cycle, got %d", len(f.queue.Pending()))
	}

	escalate := jobs.Job{ID: "job_5", Name: JobApprovalEscalate, Payload: json.RawMessage(`{"tenantId":"tnt_acme","cycleId":"cyc_deleted","recommendationIds":["x"]}`)}
	if err := dispatcher.Dispatch(f.ctx, escalate); err != nil {
		t.Fatalf("expected escalation for missing cycle acknowledged, got %v", err)
	}
}

func TestJobHandlersSkipLockedCycle(t *testing.T) {
	f := monitorFixture(t, true)
	locker := jobs.NewLocalLocker(time.Now)
	release, ok, err := locker.TryLock(f.ctx, "monitor.run:cyc_1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-lock: ok=%v err=%v", ok, err)
	}
	dispatcher := jobs.NewLocalDispatcher()
	JobHandlers{
		Approvals: f.approvals,
		Monitors:  f.monitors,
		Scheduler: f.scheduler,
		Logger:    f.logs.log,
		Locker:    locker,
		LockTTL:   time.Minute,
	}.Register(dispatcher)

	run := jobs.Job{ID: "job_1", Name: JobMonitorRun, Payload: json.RawMessage(`{"tenantId":"tnt_acme","cycleId":"cyc_1","trigger":"scheduled"}`)}
	if err := dispatcher.Dispatch(f.ctx, run); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !f.logs.has("monitor.run_skipped") {
		t.Fatalf("expected skipped run logged")
	}
	if last := f.cycle("cyc_1").Settings.LastMonitorRun; last != nil {
		t.Fatalf("expected no run while locked, got %+v", last)
	}

	_ = release(f.ctx)
	if err := dispatcher.Dispatch(f.ctx, run); err != nil {
		t.Fatalf("dispatch after release: %v", err)
	}
	if last := f.cycle("cyc_1").Settings.LastMonitorRun; last == nil {
		t.Fatalf("expected run after release")
	}
}
