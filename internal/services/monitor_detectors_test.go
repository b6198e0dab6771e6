package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
)

var detectorNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func snapshotCycle(budget string) domain.Cycle {
	return domain.Cycle{
		ID:          "cyc_1",
		TenantID:    testTenant,
		Name:        "FY26 Merit",
		Status:      domain.CycleStatusActive,
		BudgetTotal: decimal.RequireFromString(budget),
		StartDate:   detectorNow.AddDate(0, 0, -10),
		EndDate:     detectorNow.AddDate(0, 0, 20),
	}
}

func snapshotRec(id, dept, level, current, proposed string) domain.Recommendation {
	return domain.Recommendation{
		ID:            id,
		CycleID:       "cyc_1",
		EmployeeID:    "emp-" + id,
		Employee:      domain.EmployeeSnapshot{ID: "emp-" + id, Name: strings.ToUpper(id), Department: dept, Level: level},
		RecType:       domain.RecommendationTypeMerit,
		CurrentValue:  decimal.RequireFromString(current),
		ProposedValue: decimal.RequireFromString(proposed),
		Status:        domain.RecommendationStatusSubmitted,
	}
}

func TestDetectBudgetDriftDepartmentScenario(t *testing.T) {
	snap := cycleSnapshot{
		cycle: snapshotCycle("500000"),
		budgets: []domain.Budget{{
			Department: "Engineering",
			Allocated:  dec("300000"),
			Spent:      dec("330000"),
		}},
		now: detectorNow,
	}

	result := detectBudgetDrift(snap, DefaultDriftThresholdPct)

	if len(result.Departments) != 1 {
		t.Fatalf("expected one department, got %d", len(result.Departments))
	}
	dept := result.Departments[0]
	if dept.DriftPct != 10.0 || !dept.Exceeded {
		t.Fatalf("expected 10%% exceeded, got %v %v", dept.DriftPct, dept.Exceeded)
	}
	if !dept.Remaining.Equal(dec("-30000")) {
		t.Fatalf("expected remaining -30000, got %s", dept.Remaining)
	}
	if result.OverallDriftPct != -34 || !result.Exceeded {
		t.Fatalf("expected overall -34%% exceeded, got %v %v", result.OverallDriftPct, result.Exceeded)
	}
	burn := result.BurnRate
	if burn.DaysElapsed != 10 || burn.DaysRemaining != 20 || burn.TotalDays != 30 {
		t.Fatalf("unexpected day counts: %+v", burn)
	}
	if !burn.DailyBurnRate.Equal(dec("33000")) || !burn.ProjectedTotal.Equal(dec("990000")) || !burn.ProjectedOverage.Equal(dec("490000")) {
		t.Fatalf("unexpected projection: %+v", burn)
	}

	alerts := budgetDriftAlerts(snap.cycle, result)
	if len(alerts) != 2 {
		t.Fatalf("expected cycle and department alerts, got %d", len(alerts))
	}
	if alerts[0].Severity != domain.SeverityCritical || alerts[1].Severity != domain.SeverityMedium {
		t.Fatalf("unexpected severities: %s %s", alerts[0].Severity, alerts[1].Severity)
	}
}

func TestDepartmentTotalsPreferDepartmentRows(t *testing.T) {
	totals := departmentTotals([]domain.Budget{
		{Department: "Engineering", Allocated: dec("100"), Spent: dec("50")},
		{Department: "engineering", ManagerID: "m1", Allocated: dec("40"), Spent: dec("30")},
		{Department: "Sales", ManagerID: "m2", Allocated: dec("20"), Spent: dec("5")},
		{Department: "Sales", ManagerID: "m3", Allocated: dec("30"), Spent: dec("10")},
	})
	if len(totals) != 2 {
		t.Fatalf("expected two departments, got %d", len(totals))
	}
	if !totals[0].Allocated.Equal(dec("100")) || !totals[0].Spent.Equal(dec("50")) {
		t.Fatalf("expected department row to win, got %+v", totals[0])
	}
	if !totals[1].Allocated.Equal(dec("50")) || !totals[1].Spent.Equal(dec("15")) {
		t.Fatalf("expected manager rows summed, got %+v", totals[1])
	}
}

func TestCycleDaysClamps(t *testing.T) {
	cycle := snapshotCycle("1")
	elapsed, _, total := cycleDays(cycle, cycle.StartDate.Add(-time.Hour))
	if elapsed != 0 || total != 30 {
		t.Fatalf("expected elapsed clamped at cycle start, got %d/%d", elapsed, total)
	}
	if _, remaining, _ := cycleDays(cycle, cycle.EndDate.Add(48*time.Hour)); remaining != 1 {
		t.Fatalf("expected remaining clamped to 1, got %d", remaining)
	}
	if e, r, tot := cycleDays(domain.Cycle{}, detectorNow); e != 0 || r != 1 || tot != 1 {
		t.Fatalf("expected (0,1,1) without dates, got (%d,%d,%d)", e, r, tot)
	}
}

func TestPopulationStatsFiveValueCohort(t *testing.T) {
	rows := []pctRow{{pct: 2}, {pct: 4}, {pct: 4}, {pct: 4}, {pct: 6}}
	mean, std := populationStats(rows)
	// Variance is 8/5, divided by N rather than N-1.
	if mean != 4 || math.Abs(std-math.Sqrt(1.6)) > 1e-12 {
		t.Fatalf("unexpected stats: mean=%v std=%v", mean, std)
	}
	want := []float64{-1.58, 0, 0, 0, 1.58}
	for i, r := range rows {
		if got := round2((r.pct - mean) / std); got != want[i] {
			t.Fatalf("row %d: expected z %v, got %v", i, want[i], got)
		}
	}

	recs := []domain.Recommendation{
		snapshotRec("a", "Eng", "L3", "100", "102"),
		snapshotRec("b", "Eng", "L3", "100", "104"),
		snapshotRec("c", "Eng", "L3", "100", "104"),
		snapshotRec("d", "Eng", "L3", "100", "104"),
		snapshotRec("e", "Eng", "L3", "100", "106"),
	}
	result := detectOutliers(cycleSnapshot{cycle: snapshotCycle("1"), recs: recs, now: detectorNow})
	if result.CohortsAnalyzed != 1 || result.ByType[domain.OutlierStatistical] != 0 {
		t.Fatalf("expected cohort analysed without statistical outliers, got %+v", result)
	}
}

func TestDetectOutliersStatistical(t *testing.T) {
	var recs []domain.Recommendation
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		recs = append(recs, snapshotRec(id, "Eng", "L3", "100", "103"))
	}
	recs = append(recs, snapshotRec("z", "eng", "l3", "100", "113"))

	result := detectOutliers(cycleSnapshot{cycle: snapshotCycle("1"), recs: recs, now: detectorNow})

	if result.ByType[domain.OutlierStatistical] != 1 {
		t.Fatalf("expected one statistical outlier, got %+v", result.ByType)
	}
	var o domain.Outlier
	for _, candidate := range result.Outliers {
		if candidate.Type == domain.OutlierStatistical {
			o = candidate
		}
	}
	// Mean 4, population std 3, so z = (13-4)/3.
	if o.RecommendationID != "z" || o.ZScore != 3 || o.CohortMean != 4 || o.CohortStdDev != 3 || o.CohortSize != 10 {
		t.Fatalf("unexpected outlier: %+v", o)
	}
	if o.Severity != domain.SeverityHigh {
		t.Fatalf("expected HIGH at exactly 3 standard deviations, got %s", o.Severity)
	}
}

func TestDetectOutliersSmallCohortStillFlagsLargeChanges(t *testing.T) {
	recs := []domain.Recommendation{
		snapshotRec("a", "Eng", "L3", "100", "130"),
		snapshotRec("b", "Eng", "L3", "100", "90"),
	}
	result := detectOutliers(cycleSnapshot{cycle: snapshotCycle("1"), recs: recs, now: detectorNow})
	if result.CohortsAnalyzed != 0 || result.ByType[domain.OutlierStatistical] != 0 {
		t.Fatalf("expected no statistical analysis below three members, got %+v", result)
	}
	if result.ByType[domain.OutlierLargeYoY] != 2 {
		t.Fatalf("expected both large changes flagged, got %+v", result.ByType)
	}
	if result.BySeverity[domain.SeverityCritical] != 1 || result.BySeverity[domain.SeverityHigh] != 1 {
		t.Fatalf("expected decrease CRITICAL and increase HIGH, got %+v", result.BySeverity)
	}
	alerts := outlierAlerts(snapshotCycle("1"), result)
	if len(alerts) != 1 || alerts[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one critical summary alert, got %+v", alerts)
	}
}

func TestDetectOutliersInversionAndCompression(t *testing.T) {
	recs := []domain.Recommendation{
		snapshotRec("senior", "Eng", "L4", "100000", "101000"),
		snapshotRec("junior", "Eng", "L3", "100000", "104000"),
		snapshotRec("lead", "Eng", "L5", "100000", "103000"),
	}
	result := detectOutliers(cycleSnapshot{cycle: snapshotCycle("1"), recs: recs, now: detectorNow})
	if result.ByType[domain.OutlierInversion] != 1 {
		t.Fatalf("expected one inversion, got %+v", result.ByType)
	}
	if result.ByType[domain.OutlierCompression] != 1 {
		t.Fatalf("expected one compression, got %+v", result.ByType)
	}
	for _, o := range result.Outliers {
		if o.Type == domain.OutlierInversion && (o.RecommendationID != "junior" || o.RelatedRecommendationID != "senior") {
			t.Fatalf("unexpected inversion pair: %+v", o)
		}
	}
}

func TestDetectPolicyViolations(t *testing.T) {
	capAt := dec("3000")
	floorAt := dec("5000")
	evaluator := &stubEvaluator{fn: func(subject domain.RuleSubject, set domain.RuleSet) (domain.RuleEvaluation, error) {
		if set.ID == "broken" {
			return domain.RuleEvaluation{}, errors.New("bad expression")
		}
		if subject.Employee.ID != "emp-a" {
			return domain.RuleEvaluation{}, nil
		}
		return domain.RuleEvaluation{
			Blocked: true,
			Flags:   []string{"exception requires VP sign-off"},
			Decisions: []domain.RuleDecision{
				{RuleID: "r1", RuleName: "No L3 raises", Actions: []domain.RuleActionResult{{Type: domain.RuleActionBlock}}},
				{RuleID: "r2", RuleName: "Merit cap", Actions: []domain.RuleActionResult{{Type: domain.RuleActionApplyCap, CalculatedValue: &capAt}}},
				{RuleID: "r3", RuleName: "Merit floor", Actions: []domain.RuleActionResult{{Type: domain.RuleActionApplyFloor, CalculatedValue: &floorAt}}},
			},
		}, nil
	}}
	snap := cycleSnapshot{
		cycle:   snapshotCycle("500000"),
		budgets: []domain.Budget{{Department: "Eng", Allocated: dec("6000"), Spent: dec("4000")}},
		recs: []domain.Recommendation{
			snapshotRec("a", "Eng", "L3", "100000", "104000"),
			snapshotRec("b", "Eng", "L3", "100000", "101000"),
		},
		now: detectorNow,
	}
	sets := []domain.RuleSet{{ID: "rs1", Name: "Merit policy"}, {ID: "broken", Name: "Broken"}}
	logs := &captureLogger{}

	result := detectPolicyViolations(context.Background(), evaluator, snap, sets, logs.log)

	if result.RuleSetsEvaluated != 2 || result.RecommendationsChecked != 2 {
		t.Fatalf("unexpected coverage: %+v", result)
	}
	want := map[domain.ViolationType]int{
		domain.ViolationBlockedByRule:       1,
		domain.ViolationUnapprovedException: 1,
		domain.ViolationExceedsCap:          1,
		domain.ViolationBelowFloor:          1,
		domain.ViolationExceedsBudget:       1,
	}
	for typ, n := range want {
		if result.ByType[typ] != n {
			t.Fatalf("expected %d %s, got %d (%+v)", n, typ, result.ByType[typ], result.ByType)
		}
	}
	if result.CriticalCount() != 1 || result.BySeverity[domain.SeverityHigh] != 2 || result.BySeverity[domain.SeverityMedium] != 2 {
		t.Fatalf("unexpected severity split: %+v", result.BySeverity)
	}
	for _, v := range result.Violations {
		if v.Type == domain.ViolationBlockedByRule && v.RuleName != "No L3 raises" {
			t.Fatalf("expected blocking rule named, got %+v", v)
		}
		if v.Type == domain.ViolationExceedsBudget && (v.RecommendationID != "a" || !v.Actual.Equal(dec("8000"))) {
			t.Fatalf("unexpected budget violation: %+v", v)
		}
	}
	if len(result.EvaluationErrors) != 2 || !logs.has("monitor.rule_evaluation_failed") {
		t.Fatalf("expected failing rule set logged per recommendation, got %v", result.EvaluationErrors)
	}
	alerts := policyViolationAlerts(snap.cycle, result)
	if len(alerts) != 1 || alerts[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}
}

func TestBuildSummaryBlockersAndOnTrack(t *testing.T) {
	cycle := snapshotCycle("0")
	snap := cycleSnapshot{cycle: cycle, now: detectorNow}
	onTrack := buildSummary(snap, detectBudgetDrift(snap, 5), domain.PolicyViolationResult{}, domain.OutlierResult{})
	if len(onTrack.Blockers) != 0 || len(onTrack.ActionItems) != 1 || onTrack.ActionItems[0] != "Cycle is on track; no action required." {
		t.Fatalf("expected on-track summary, got %+v %+v", onTrack.Blockers, onTrack.ActionItems)
	}
	if !strings.HasPrefix(onTrack.Markdown, "# FY26 Merit: Executive Summary") || !strings.Contains(onTrack.Markdown, "None.") {
		t.Fatalf("unexpected markdown:\n%s", onTrack.Markdown)
	}

	late := snapshotCycle("100000")
	late.EndDate = detectorNow.AddDate(0, 0, 3)
	snap = cycleSnapshot{
		cycle:   late,
		budgets: []domain.Budget{{Department: "Eng|Ops", Allocated: dec("100000"), Spent: dec("120000")}},
		recs:    []domain.Recommendation{snapshotRec("a", "Eng|Ops", "L3", "100", "101")},
		now:     detectorNow,
	}
	policy := domain.PolicyViolationResult{
		Violations: []domain.PolicyViolation{{Type: domain.ViolationBlockedByRule, Severity: domain.SeverityCritical}},
		BySeverity: map[domain.Severity]int{domain.SeverityCritical: 1},
	}
	summary := buildSummary(snap, detectBudgetDrift(snap, 5), policy, domain.OutlierResult{})
	if len(summary.Blockers) != 3 {
		t.Fatalf("expected drift, critical and schedule blockers, got %v", summary.Blockers)
	}
	if summary.Progress.Total != 1 || summary.Progress.CompletionPct != 0 || summary.Progress.DaysRemaining != 3 {
		t.Fatalf("unexpected progress: %+v", summary.Progress)
	}
	if !strings.Contains(summary.Markdown, `Eng\|Ops`) {
		t.Fatalf("expected table cell escaped:\n%s", summary.Markdown)
	}
}
