package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	domain "github.com/meritflow/compcycle/internal/domain"
)

const (
	scheduleRiskDays       = 7
	scheduleRiskCompletion = 50.0
)

func cycleProgress(snap cycleSnapshot) domain.CycleProgress {
	progress := domain.CycleProgress{
		Total:    len(snap.recs),
		ByStatus: map[domain.RecommendationStatus]int{},
	}
	for _, rec := range snap.recs {
		progress.ByStatus[rec.Status]++
		if rec.Locked {
			progress.Locked++
		}
	}
	progress.Approved = progress.ByStatus[domain.RecommendationStatusApproved]
	if progress.Total > 0 {
		progress.CompletionPct = round2(float64(progress.Approved) / float64(progress.Total) * 100)
	}
	progress.DaysElapsed, progress.DaysRemaining, progress.TotalDays = cycleDays(snap.cycle, snap.now)
	return progress
}

func buildSummary(snap cycleSnapshot, drift domain.BudgetDriftResult, policy domain.PolicyViolationResult, outliers domain.OutlierResult) domain.ExecutiveSummary {
	summary := domain.ExecutiveSummary{
		CycleID:     snap.cycle.ID,
		CycleName:   snap.cycle.Name,
		Status:      snap.cycle.Status,
		Currency:    snap.cycle.Currency,
		Progress:    cycleProgress(snap),
		Budget:      drift,
		Policy:      policy,
		Outliers:    outliers,
		GeneratedAt: snap.now,
	}

	if drift.Exceeded && math.Abs(drift.OverallDriftPct) > CriticalDriftPct {
		summary.Blockers = append(summary.Blockers, fmt.Sprintf("Overall budget drift is %.2f%%, beyond the %.0f%% critical limit.", drift.OverallDriftPct, CriticalDriftPct))
	}
	if n := policy.CriticalCount(); n > 0 {
		summary.Blockers = append(summary.Blockers, fmt.Sprintf("%d critical policy violations must be resolved.", n))
	}
	if summary.Progress.DaysRemaining <= scheduleRiskDays && summary.Progress.CompletionPct < scheduleRiskCompletion {
		summary.Blockers = append(summary.Blockers, fmt.Sprintf("%d days remain with only %.2f%% of recommendations approved.", summary.Progress.DaysRemaining, summary.Progress.CompletionPct))
	}

	if drift.Exceeded {
		summary.ActionItems = append(summary.ActionItems, fmt.Sprintf("Review total spend: drift is %.2f%% against a %.2f%% threshold.", drift.OverallDriftPct, drift.ThresholdPct))
	}
	if over := drift.ExceededDepartments(); len(over) > 0 {
		names := make([]string, 0, len(over))
		for _, d := range over {
			names = append(names, d.Department)
		}
		summary.ActionItems = append(summary.ActionItems, fmt.Sprintf("Rebalance department budgets over threshold: %s.", strings.Join(names, ", ")))
	}
	if n := len(policy.Violations); n > 0 {
		summary.ActionItems = append(summary.ActionItems, fmt.Sprintf("Resolve %d policy violations.", n))
	}
	if n := len(outliers.Outliers); n > 0 {
		summary.ActionItems = append(summary.ActionItems, fmt.Sprintf("Review %d compensation outliers.", n))
	}
	if pending := summary.Progress.ByStatus[domain.RecommendationStatusSubmitted] + summary.Progress.ByStatus[domain.RecommendationStatusEscalated]; pending > 0 && summary.Progress.DaysRemaining <= scheduleRiskDays {
		summary.ActionItems = append(summary.ActionItems, fmt.Sprintf("Chase %d pending approvals before the deadline.", pending))
	}
	if len(summary.ActionItems) == 0 {
		summary.ActionItems = []string{"Cycle is on track; no action required."}
	}

	summary.Markdown = renderSummaryMarkdown(summary)
	return summary
}

func renderSummaryMarkdown(s domain.ExecutiveSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Executive Summary\n\n", s.CycleName)
	fmt.Fprintf(&b, "_Status: %s. Generated %s._\n\n", s.Status, s.GeneratedAt.Format("2006-01-02 15:04 MST"))

	b.WriteString("## Progress\n\n")
	p := s.Progress
	fmt.Fprintf(&b, "- Recommendations: %d (%d locked for calibration)\n", p.Total, p.Locked)
	fmt.Fprintf(&b, "- Approved: %d (%.2f%%)\n", p.Approved, p.CompletionPct)
	fmt.Fprintf(&b, "- Days elapsed: %d of %d, %d remaining\n", p.DaysElapsed, p.TotalDays, p.DaysRemaining)
	statuses := make([]string, 0, len(p.ByStatus))
	for st := range p.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "  - %s: %d\n", st, p.ByStatus[domain.RecommendationStatus(st)])
	}

	b.WriteString("\n## Budget\n\n")
	d := s.Budget
	fmt.Fprintf(&b, "- Budget: %s %s, allocated %s, spent %s\n", d.BudgetTotal.StringFixed(2), s.Currency, d.TotalAllocated.StringFixed(2), d.TotalSpent.StringFixed(2))
	fmt.Fprintf(&b, "- Overall drift: %.2f%% (threshold %.2f%%)\n", d.OverallDriftPct, d.ThresholdPct)
	fmt.Fprintf(&b, "- Projected total: %s (overage %s)\n", d.BurnRate.ProjectedTotal.StringFixed(2), d.BurnRate.ProjectedOverage.StringFixed(2))
	if len(d.Departments) > 0 {
		b.WriteString("\n| Department | Allocated | Spent | Drift |\n|---|---:|---:|---:|\n")
		for _, dept := range d.Departments {
			flag := ""
			if dept.Exceeded {
				flag = " ⚠"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %.2f%%%s |\n", escapeCell(dept.Department), dept.Allocated.StringFixed(2), dept.Spent.StringFixed(2), dept.DriftPct, flag)
		}
	}

	b.WriteString("\n## Policy\n\n")
	fmt.Fprintf(&b, "- Violations: %d (%d critical)\n", len(s.Policy.Violations), s.Policy.CriticalCount())
	b.WriteString("\n## Outliers\n\n")
	fmt.Fprintf(&b, "- Outliers: %d across %d cohorts\n", len(s.Outliers.Outliers), s.Outliers.CohortsAnalyzed)

	b.WriteString("\n## Blockers\n\n")
	if len(s.Blockers) == 0 {
		b.WriteString("None.\n")
	}
	for _, item := range s.Blockers {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	b.WriteString("\n## Action Items\n\n")
	for i, item := range s.ActionItems {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return b.String()
}

func escapeCell(v string) string {
	return strings.ReplaceAll(v, "|", `\|`)
}
