package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
)

var violationSeverity = map[domain.ViolationType]domain.Severity{
	domain.ViolationBlockedByRule:       domain.SeverityCritical,
	domain.ViolationUnapprovedException: domain.SeverityMedium,
	domain.ViolationExceedsCap:          domain.SeverityHigh,
	domain.ViolationBelowFloor:          domain.SeverityMedium,
	domain.ViolationExceedsBudget:       domain.SeverityHigh,
}

// detectPolicyViolations evaluates every recommendation against every active rule set. A rule set
// that fails to evaluate is logged and skipped for that recommendation only.
func detectPolicyViolations(ctx context.Context, evaluator RuleEvaluator, snap cycleSnapshot, ruleSets []domain.RuleSet, logger Logger) domain.PolicyViolationResult {
	result := domain.PolicyViolationResult{
		CycleID:                snap.cycle.ID,
		RuleSetsEvaluated:      len(ruleSets),
		RecommendationsChecked: len(snap.recs),
		BySeverity:             map[domain.Severity]int{},
		ByType:                 map[domain.ViolationType]int{},
		EvaluatedAt:            snap.now,
	}
	add := func(rec domain.Recommendation, v domain.PolicyViolation) {
		v.RecommendationID = rec.ID
		v.EmployeeID = rec.EmployeeID
		v.EmployeeName = rec.Employee.Name
		v.Department = rec.Employee.Department
		v.Severity = violationSeverity[v.Type]
		result.Violations = append(result.Violations, v)
		result.BySeverity[v.Severity]++
		result.ByType[v.Type]++
	}

	depts := map[string]domain.DepartmentDrift{}
	for _, d := range departmentTotals(snap.budgets) {
		depts[domain.LabelKey(d.Department)] = d
	}

	for _, rec := range snap.recs {
		delta := rec.Delta()
		subject := domain.RuleSubject{
			Employee:      rec.Employee,
			RecType:       rec.RecType,
			CurrentValue:  rec.CurrentValue,
			ProposedValue: rec.ProposedValue,
		}
		for _, set := range ruleSets {
			eval, err := evaluator.Evaluate(ctx, subject, set)
			if err != nil {
				msg := fmt.Sprintf("rule set %s on %s: %v", set.ID, rec.ID, err)
				result.EvaluationErrors = append(result.EvaluationErrors, msg)
				logger(ctx, "monitor.rule_evaluation_failed", map[string]any{
					"severity":         "warn",
					"ruleSetId":        set.ID,
					"recommendationId": rec.ID,
					"error":            err.Error(),
				})
				continue
			}
			base := domain.PolicyViolation{RuleSetID: set.ID, RuleSetName: set.Name}
			if eval.Blocked {
				v := base
				v.Type = domain.ViolationBlockedByRule
				v.Message = "recommendation is blocked by policy"
				if id, name, ok := firstDecisionWith(eval, domain.RuleActionBlock); ok {
					v.RuleID, v.RuleName = id, name
					v.Message = fmt.Sprintf("blocked by rule %q", name)
				}
				add(rec, v)
			}
			for _, flag := range eval.Flags {
				v := base
				v.Type = domain.ViolationUnapprovedException
				v.Message = flag
				add(rec, v)
			}
			for _, decision := range eval.Decisions {
				for _, action := range decision.Actions {
					if action.CalculatedValue == nil {
						continue
					}
					limit := *action.CalculatedValue
					v := base
					v.RuleID, v.RuleName = decision.RuleID, decision.RuleName
					switch {
					case action.Type == domain.RuleActionApplyCap && delta.GreaterThan(limit):
						v.Type = domain.ViolationExceedsCap
						v.Message = fmt.Sprintf("increase of %s exceeds cap of %s", delta.StringFixed(2), limit.StringFixed(2))
					case action.Type == domain.RuleActionApplyFloor && delta.LessThan(limit):
						v.Type = domain.ViolationBelowFloor
						v.Message = fmt.Sprintf("increase of %s is below floor of %s", delta.StringFixed(2), limit.StringFixed(2))
					default:
						continue
					}
					v.Limit = decimalPtr(limit)
					v.Actual = decimalPtr(delta)
					add(rec, v)
				}
			}
		}

		if dept, ok := depts[domain.LabelKey(rec.Employee.Department)]; ok && dept.Allocated.IsPositive() {
			if projected := dept.Spent.Add(delta); projected.GreaterThan(dept.Allocated) {
				add(rec, domain.PolicyViolation{
					Type:    domain.ViolationExceedsBudget,
					Message: fmt.Sprintf("%s spend would reach %s of %s allocated", dept.Department, projected.StringFixed(2), dept.Allocated.StringFixed(2)),
					Limit:   decimalPtr(dept.Allocated),
					Actual:  decimalPtr(projected),
				})
			}
		}
	}
	return result
}

func firstDecisionWith(eval domain.RuleEvaluation, actionType string) (string, string, bool) {
	for _, d := range eval.Decisions {
		for _, a := range d.Actions {
			if a.Type == actionType {
				return d.RuleID, d.RuleName, true
			}
		}
	}
	return "", "", false
}

func decimalPtr(v decimal.Decimal) *decimal.Decimal {
	return &v
}

func policyViolationAlerts(cycle domain.Cycle, result domain.PolicyViolationResult) []domain.MonitorAlert {
	total := len(result.Violations)
	if total == 0 {
		return nil
	}
	severity := domain.SeverityHigh
	if result.CriticalCount() > 0 {
		severity = domain.SeverityCritical
	}
	byType := make(map[string]any, len(result.ByType))
	for t, n := range result.ByType {
		byType[string(t)] = n
	}
	return []domain.MonitorAlert{{
		TenantID:  cycle.TenantID,
		CycleID:   cycle.ID,
		AlertType: domain.AlertTypePolicyViolation,
		Severity:  severity,
		Title:     fmt.Sprintf("%d policy violations in %s", total, cycle.Name),
		Details: map[string]any{
			"message":  fmt.Sprintf("%d violations across %d recommendations, %d critical.", total, result.RecommendationsChecked, result.CriticalCount()),
			"total":    total,
			"critical": result.CriticalCount(),
			"byType":   byType,
		},
	}}
}
