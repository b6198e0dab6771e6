// Package rules evaluates compensation policy rule sets against recommendation subjects.
package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
)

var (
	// ErrUnknownField is returned when a condition references a field the engine cannot resolve.
	ErrUnknownField = errors.New("rules: unknown field")
	// ErrUnknownOperator is returned for unsupported condition operators.
	ErrUnknownOperator = errors.New("rules: unknown operator")
	// ErrUnknownAction is returned for unsupported action types.
	ErrUnknownAction = errors.New("rules: unknown action")
)

// Condition operators.
const (
	OpEqual        = "eq"
	OpNotEqual     = "neq"
	OpIn           = "in"
	OpNotIn        = "notIn"
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpContains     = "contains"
)

const attributePrefix = "attributes."

var hundred = decimal.NewFromInt(100)

// Engine evaluates rule sets. The zero value is usable and reads the wall clock.
type Engine struct {
	Clock func() time.Time
}

// NewEngine returns an Engine using clock for tenure calculations.
func NewEngine(clock func() time.Time) *Engine {
	return &Engine{Clock: clock}
}

// Evaluate runs every rule of ruleSet, in ascending priority, against subject. A rule matches
// when all of its conditions hold; each matching rule contributes one decision.
func (e *Engine) Evaluate(ctx context.Context, subject domain.RuleSubject, ruleSet domain.RuleSet) (domain.RuleEvaluation, error) {
	if err := ctx.Err(); err != nil {
		return domain.RuleEvaluation{}, err
	}
	ordered := append([]domain.Rule(nil), ruleSet.Rules...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	var result domain.RuleEvaluation
	for _, rule := range ordered {
		matched, err := e.matches(subject, rule.Conditions)
		if err != nil {
			return domain.RuleEvaluation{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !matched {
			continue
		}
		decision := domain.RuleDecision{RuleID: rule.ID, RuleName: rule.Name}
		for _, action := range rule.Actions {
			resolved, err := resolveAction(subject, action)
			if err != nil {
				return domain.RuleEvaluation{}, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
			switch action.Type {
			case domain.RuleActionBlock:
				result.Blocked = true
			case domain.RuleActionFlag:
				msg := strings.TrimSpace(action.Message)
				if msg == "" {
					msg = rule.Name
				}
				result.Flags = append(result.Flags, msg)
			}
			decision.Actions = append(decision.Actions, resolved)
		}
		result.Decisions = append(result.Decisions, decision)
	}
	return result, nil
}

func (e *Engine) matches(subject domain.RuleSubject, conditions []domain.RuleCondition) (bool, error) {
	for _, cond := range conditions {
		actual, err := e.field(subject, cond.Field)
		if err != nil {
			return false, err
		}
		ok, err := compare(actual, cond.Operator, cond.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) field(subject domain.RuleSubject, name string) (any, error) {
	emp := subject.Employee
	switch strings.TrimSpace(name) {
	case "department":
		return emp.Department, nil
	case "level":
		return emp.Level, nil
	case "jobFamily":
		return emp.JobFamily, nil
	case "location":
		return emp.Location, nil
	case "managerId":
		return emp.ManagerID, nil
	case "performanceRating":
		return emp.PerformanceRating, nil
	case "recType":
		return string(subject.RecType), nil
	case "currentValue":
		return subject.CurrentValue, nil
	case "proposedValue":
		return subject.ProposedValue, nil
	case "delta":
		return subject.ProposedValue.Sub(subject.CurrentValue), nil
	case "changePct":
		if !subject.CurrentValue.IsPositive() {
			return nil, nil
		}
		return subject.ProposedValue.Sub(subject.CurrentValue).Div(subject.CurrentValue).Mul(hundred), nil
	case "tenureMonths":
		if emp.HireDate == nil {
			return nil, nil
		}
		return decimal.NewFromInt(int64(monthsBetween(*emp.HireDate, e.now()))), nil
	}
	if key, ok := strings.CutPrefix(name, attributePrefix); ok && key != "" {
		return emp.Attributes[key], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
}

func (e *Engine) now() time.Time {
	if e != nil && e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

func monthsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		months--
	}
	return max(months, 0)
}

func resolveAction(subject domain.RuleSubject, action domain.RuleAction) (domain.RuleActionResult, error) {
	out := domain.RuleActionResult{Type: action.Type, Message: action.Message}
	switch action.Type {
	case domain.RuleActionApplyCap, domain.RuleActionApplyFloor:
		value := decimal.NewFromFloat(action.Value)
		if strings.EqualFold(action.Basis, domain.RuleBasisPercent) {
			value = subject.CurrentValue.Mul(value).Div(hundred)
		}
		value = value.Round(2)
		out.CalculatedValue = &value
	case domain.RuleActionBlock, domain.RuleActionFlag:
	default:
		return domain.RuleActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
	return out, nil
}

func compare(actual any, op string, expected any) (bool, error) {
	switch op {
	case OpEqual:
		return equal(actual, expected), nil
	case OpNotEqual:
		return !equal(actual, expected), nil
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range toList(expected) {
			if equal(actual, candidate) {
				found = true
				break
			}
		}
		return found == (op == OpIn), nil
	case OpContains:
		a, ok1 := actual.(string)
		b, ok2 := expected.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		return strings.Contains(domain.LabelKey(a), domain.LabelKey(b)), nil
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		a, ok1 := toDecimal(actual)
		b, ok2 := toDecimal(expected)
		if !ok1 || !ok2 {
			return false, nil
		}
		switch op {
		case OpGreater:
			return a.GreaterThan(b), nil
		case OpGreaterEqual:
			return a.GreaterThanOrEqual(b), nil
		case OpLess:
			return a.LessThan(b), nil
		default:
			return a.LessThanOrEqual(b), nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// equal compares numbers numerically and everything else as normalised labels.
func equal(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, ok := toDecimal(actual); ok {
		if b, ok := toDecimal(expected); ok {
			return a.Equal(b)
		}
	}
	if a, ok := actual.(bool); ok {
		b, ok := expected.(bool)
		return ok && a == b
	}
	return domain.SameLabel(fmt.Sprint(actual), fmt.Sprint(expected))
}

func toList(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, 0, len(v))
		for _, s := range v {
			out = append(out, s)
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

func toDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case string:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	}
	return decimal.Zero, false
}
