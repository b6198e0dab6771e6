package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/meritflow/compcycle/internal/domain"
)

func subject() domain.RuleSubject {
	hire := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return domain.RuleSubject{
		Employee: domain.EmployeeSnapshot{
			ID:                "emp-1",
			Department:        "Engineering",
			Level:             "L4",
			Location:          "Berlin",
			PerformanceRating: "4",
			HireDate:          &hire,
			Attributes:        map[string]any{"union": true, "band": "B2"},
		},
		RecType:       domain.RecommendationTypeMerit,
		CurrentValue:  decimal.NewFromInt(100000),
		ProposedValue: decimal.NewFromInt(112000),
	}
}

func TestEngineAppliesMatchingRulesInPriorityOrder(t *testing.T) {
	engine := NewEngine(func() time.Time { return time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC) })
	set := domain.RuleSet{Rules: []domain.Rule{
		{
			ID: "flag-big", Name: "Large raise", Priority: 20,
			Conditions: []domain.RuleCondition{{Field: "changePct", Operator: OpGreater, Value: 10}},
			Actions:    []domain.RuleAction{{Type: domain.RuleActionFlag}},
		},
		{
			ID: "cap-eng", Name: "Engineering cap", Priority: 10,
			Conditions: []domain.RuleCondition{
				{Field: "department", Operator: OpEqual, Value: " engineering "},
				{Field: "level", Operator: OpIn, Value: []any{"L3", "L4"}},
			},
			Actions: []domain.RuleAction{{Type: domain.RuleActionApplyCap, Value: 10, Basis: domain.RuleBasisPercent}},
		},
		{
			ID: "sales-only", Name: "Sales", Priority: 5,
			Conditions: []domain.RuleCondition{{Field: "department", Operator: OpEqual, Value: "Sales"}},
			Actions:    []domain.RuleAction{{Type: domain.RuleActionBlock}},
		},
	}}

	eval, err := engine.Evaluate(context.Background(), subject(), set)
	require.NoError(t, err)
	require.False(t, eval.Blocked)
	require.Equal(t, []string{"Large raise"}, eval.Flags)
	require.Len(t, eval.Decisions, 2)
	require.Equal(t, "cap-eng", eval.Decisions[0].RuleID)
	require.NotNil(t, eval.Decisions[0].Actions[0].CalculatedValue)
	require.True(t, decimal.NewFromInt(10000).Equal(*eval.Decisions[0].Actions[0].CalculatedValue))
	require.Equal(t, "flag-big", eval.Decisions[1].RuleID)
}

func TestEngineBlockAndAttributes(t *testing.T) {
	set := domain.RuleSet{Rules: []domain.Rule{{
		ID: "union", Name: "Union members", Priority: 1,
		Conditions: []domain.RuleCondition{
			{Field: "attributes.union", Operator: OpEqual, Value: true},
			{Field: "attributes.band", Operator: OpNotIn, Value: []string{"B1"}},
			{Field: "location", Operator: OpContains, Value: "BERL"},
		},
		Actions: []domain.RuleAction{{Type: domain.RuleActionBlock}, {Type: domain.RuleActionApplyFloor, Value: 500}},
	}}}

	eval, err := (&Engine{}).Evaluate(context.Background(), subject(), set)
	require.NoError(t, err)
	require.True(t, eval.Blocked)
	require.Len(t, eval.Decisions, 1)
	floor := eval.Decisions[0].Actions[1].CalculatedValue
	require.NotNil(t, floor)
	require.True(t, decimal.NewFromInt(500).Equal(*floor))
}

func TestEngineTenureAndMissingValues(t *testing.T) {
	engine := NewEngine(func() time.Time { return time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC) })
	set := domain.RuleSet{Rules: []domain.Rule{
		{ID: "tenure", Conditions: []domain.RuleCondition{{Field: "tenureMonths", Operator: OpLess, Value: 24}}, Actions: []domain.RuleAction{{Type: domain.RuleActionFlag, Message: "short tenure"}}},
		{ID: "missing", Conditions: []domain.RuleCondition{{Field: "attributes.none", Operator: OpGreater, Value: 1}}, Actions: []domain.RuleAction{{Type: domain.RuleActionBlock}}},
	}}

	eval, err := engine.Evaluate(context.Background(), subject(), set)
	require.NoError(t, err)
	require.False(t, eval.Blocked)
	require.Equal(t, []string{"short tenure"}, eval.Flags)
}

func TestEngineRejectsUnknownFieldsAndOperators(t *testing.T) {
	engine := &Engine{}
	_, err := engine.Evaluate(context.Background(), subject(), domain.RuleSet{Rules: []domain.Rule{{
		ID: "bad", Conditions: []domain.RuleCondition{{Field: "salary", Operator: OpEqual, Value: 1}},
	}}})
	require.ErrorIs(t, err, ErrUnknownField)

	_, err = engine.Evaluate(context.Background(), subject(), domain.RuleSet{Rules: []domain.Rule{{
		ID: "bad", Conditions: []domain.RuleCondition{{Field: "level", Operator: "~=", Value: "L4"}},
	}}})
	require.ErrorIs(t, err, ErrUnknownOperator)

	_, err = engine.Evaluate(context.Background(), subject(), domain.RuleSet{Rules: []domain.Rule{{
		ID: "bad", Actions: []domain.RuleAction{{Type: "teleport"}},
	}}})
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestEngineHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Engine{}).Evaluate(ctx, subject(), domain.RuleSet{})
	require.ErrorIs(t, err, context.Canceled)
}

const seedYAML = `
ruleSets:
  - id: rs_default
    tenantId: tenant-a
    name: Default merit policy
    rules:
      - id: cap-junior
        name: Junior cap
        priority: 10
        conditions:
          - field: level
            operator: in
            value: [L1, L2]
        actions:
          - type: applyCap
            value: 8
            basis: PERCENT
      - id: flag-rating
        priority: 20
        conditions:
          - {field: performanceRating, operator: lte, value: 2}
        actions:
          - {type: flagException, message: low rating}
`

func TestParseYAML(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sets, err := ParseYAML([]byte(seedYAML), now)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	rs := sets[0]
	require.Equal(t, domain.RuleSetStatusActive, rs.Status)
	require.Equal(t, now, rs.UpdatedAt)
	require.Len(t, rs.Rules, 2)
	require.Equal(t, domain.RuleBasisPercent, rs.Rules[0].Actions[0].Basis)
	require.Equal(t, domain.RuleBasisAbsolute, rs.Rules[1].Actions[0].Basis)

	s := subject()
	s.Employee.Level = "l2"
	eval, err := (&Engine{}).Evaluate(context.Background(), s, rs)
	require.NoError(t, err)
	require.Len(t, eval.Decisions, 1)
	require.True(t, decimal.NewFromInt(8000).Equal(*eval.Decisions[0].Actions[0].CalculatedValue))
}

func TestParseYAMLValidation(t *testing.T) {
	cases := map[string]string{
		"empty":        "   ",
		"missing id":   "ruleSets:\n  - tenantId: t\n",
		"bad status":   "ruleSets:\n  - {id: a, tenantId: t, status: LIVE}\n",
		"bad operator": "ruleSets:\n  - id: a\n    tenantId: t\n    rules:\n      - id: r\n        conditions: [{field: level, operator: like, value: x}]\n",
		"bad action":   "ruleSets:\n  - id: a\n    tenantId: t\n    rules:\n      - id: r\n        actions: [{type: explode}]\n",
		"duplicate":    "ruleSets:\n  - {id: a, tenantId: t}\n  - {id: a, tenantId: t}\n",
		"malformed":    "ruleSets: [",
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(payload), time.Now())
			require.Error(t, err)
		})
	}
}

type recordingUpserter struct {
	ids []string
}

func (r *recordingUpserter) Upsert(_ context.Context, rs domain.RuleSet) error {
	r.ids = append(r.ids, rs.ID)
	return nil
}

func TestLoadFileAndSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	sets, err := LoadFile(path, time.Now())
	require.NoError(t, err)

	repo := &recordingUpserter{}
	require.NoError(t, Seed(context.Background(), repo, sets))
	require.Equal(t, []string{"rs_default"}, repo.ids)

	_, err = LoadFile(dir, time.Now())
	require.Error(t, err)
	_, err = LoadFile(filepath.Join(dir, "missing.yaml"), time.Now())
	require.Error(t, err)
}
