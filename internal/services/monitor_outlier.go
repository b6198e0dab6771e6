package services

import (
	"fmt"
	"math"
	"sort"

	domain "github.com/meritflow/compcycle/internal/domain"
)

const (
	minCohortSize     = 3
	outlierZ          = 2.0
	criticalOutlierZ  = 3.0
	largeIncreasePct  = 25.0
	largeDecreasePct  = -5.0
	compressionGapPct = 5.0
)

type pctRow struct {
	rec domain.Recommendation
	pct float64
}

func detectOutliers(snap cycleSnapshot) domain.OutlierResult {
	result := domain.OutlierResult{
		CycleID:     snap.cycle.ID,
		ByType:      map[domain.OutlierType]int{},
		BySeverity:  map[domain.Severity]int{},
		EvaluatedAt: snap.now,
	}
	add := func(o domain.Outlier) {
		result.Outliers = append(result.Outliers, o)
		result.ByType[o.Type]++
		result.BySeverity[o.Severity]++
	}
	base := func(rec domain.Recommendation) domain.Outlier {
		return domain.Outlier{
			RecommendationID: rec.ID,
			EmployeeID:       rec.EmployeeID,
			EmployeeName:     rec.Employee.Name,
			Department:       rec.Employee.Department,
			Level:            rec.Employee.Level,
		}
	}

	cohorts := map[string][]pctRow{}
	var cohortOrder []string
	for _, rec := range snap.recs {
		pct, ok := rec.ChangePct()
		if !ok {
			continue
		}
		key := domain.LabelKey(rec.Employee.Department) + "\x1f" + domain.LabelKey(rec.Employee.Level)
		if _, seen := cohorts[key]; !seen {
			cohortOrder = append(cohortOrder, key)
		}
		cohorts[key] = append(cohorts[key], pctRow{rec: rec, pct: pct})

		if pct > largeIncreasePct || pct < largeDecreasePct {
			o := base(rec)
			o.Type = domain.OutlierLargeYoY
			o.ChangePct = round2(pct)
			o.Severity = domain.SeverityHigh
			if pct < 0 {
				o.Severity = domain.SeverityCritical
			}
			o.Message = fmt.Sprintf("change of %.2f%% is outside the expected range", pct)
			add(o)
		}
	}

	for _, key := range cohortOrder {
		rows := cohorts[key]
		if len(rows) < minCohortSize {
			continue
		}
		result.CohortsAnalyzed++
		mean, std := populationStats(rows)
		if std == 0 {
			continue
		}
		for _, row := range rows {
			z := (row.pct - mean) / std
			if math.Abs(z) <= outlierZ {
				continue
			}
			o := base(row.rec)
			o.Type = domain.OutlierStatistical
			o.Severity = domain.SeverityHigh
			if math.Abs(z) > criticalOutlierZ {
				o.Severity = domain.SeverityCritical
			}
			o.ChangePct = round2(row.pct)
			o.ZScore = round2(z)
			o.CohortMean = round2(mean)
			o.CohortStdDev = round2(std)
			o.CohortSize = len(rows)
			o.Message = fmt.Sprintf("change of %.2f%% is %.2f standard deviations from the cohort mean", row.pct, z)
			add(o)
		}
	}

	byDept := map[string][]domain.Recommendation{}
	var deptOrder []string
	for _, rec := range snap.recs {
		key := domain.LabelKey(rec.Employee.Department)
		if _, seen := byDept[key]; !seen {
			deptOrder = append(deptOrder, key)
		}
		byDept[key] = append(byDept[key], rec)
	}
	for _, key := range deptOrder {
		rows := byDept[key]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Employee.Level < rows[j].Employee.Level })
		for i := 1; i < len(rows); i++ {
			junior, senior := rows[i-1], rows[i]
			if domain.SameLabel(junior.Employee.Level, senior.Employee.Level) {
				continue
			}
			if junior.ProposedValue.GreaterThan(senior.ProposedValue) {
				o := base(junior)
				o.RelatedRecommendationID = senior.ID
				o.Type = domain.OutlierInversion
				o.Severity = domain.SeverityHigh
				o.Message = fmt.Sprintf("%s (%s) is proposed above %s (%s)", junior.Employee.Name, junior.Employee.Level, senior.Employee.Name, senior.Employee.Level)
				add(o)
				continue
			}
			if !junior.ProposedValue.IsPositive() {
				continue
			}
			gap := senior.ProposedValue.Sub(junior.ProposedValue).Div(junior.ProposedValue).Mul(hundred).InexactFloat64()
			if gap >= 0 && gap < compressionGapPct {
				o := base(junior)
				o.RelatedRecommendationID = senior.ID
				o.Type = domain.OutlierCompression
				o.Severity = domain.SeverityMedium
				o.ChangePct = round2(gap)
				o.Message = fmt.Sprintf("only %.2f%% separates %s from %s", gap, junior.Employee.Level, senior.Employee.Level)
				add(o)
			}
		}
	}
	return result
}

// populationStats returns the mean and population standard deviation of the rows.
func populationStats(rows []pctRow) (mean, std float64) {
	n := float64(len(rows))
	for _, r := range rows {
		mean += r.pct
	}
	mean /= n
	var sq float64
	for _, r := range rows {
		d := r.pct - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

func outlierAlerts(cycle domain.Cycle, result domain.OutlierResult) []domain.MonitorAlert {
	total := len(result.Outliers)
	if total == 0 {
		return nil
	}
	severity := domain.SeverityHigh
	if result.BySeverity[domain.SeverityCritical] > 0 {
		severity = domain.SeverityCritical
	}
	byType := make(map[string]any, len(result.ByType))
	for t, n := range result.ByType {
		byType[string(t)] = n
	}
	return []domain.MonitorAlert{{
		TenantID:  cycle.TenantID,
		CycleID:   cycle.ID,
		AlertType: domain.AlertTypeOutlier,
		Severity:  severity,
		Title:     fmt.Sprintf("%d compensation outliers in %s", total, cycle.Name),
		Details: map[string]any{
			"message":  fmt.Sprintf("%d outliers found across %d cohorts.", total, result.CohortsAnalyzed),
			"total":    total,
			"critical": result.BySeverity[domain.SeverityCritical],
			"byType":   byType,
		},
	}}
}
