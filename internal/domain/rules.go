package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleSetStatus enumerates publication states of a rule set.
type RuleSetStatus string

const (
	RuleSetStatusActive   RuleSetStatus = "ACTIVE"
	RuleSetStatusDraft    RuleSetStatus = "DRAFT"
	RuleSetStatusArchived RuleSetStatus = "ARCHIVED"
)

// RuleSet is a named group of compensation policy rules.
type RuleSet struct {
	ID        string
	TenantID  string
	Name      string
	Status    RuleSetStatus
	Rules     []Rule
	UpdatedAt time.Time
}

// Rule applies its actions when all conditions match.
type Rule struct {
	ID         string
	Name       string
	Priority   int
	Conditions []RuleCondition
	Actions    []RuleAction
}

// RuleCondition compares one snapshot field with a literal.
type RuleCondition struct {
	Field    string
	Operator string
	Value    any
}

// Rule action types understood by the evaluator and the policy detector.
const (
	RuleActionApplyCap   = "applyCap"
	RuleActionApplyFloor = "applyFloor"
	RuleActionBlock      = "block"
	RuleActionFlag       = "flagException"
)

// Rule action value bases.
const (
	RuleBasisAbsolute = "absolute"
	RuleBasisPercent  = "percent"
)

// RuleAction is what a matching rule does.
type RuleAction struct {
	Type    string
	Value   float64
	Basis   string
	Message string
}

// RuleEvaluation is the result of evaluating one employee snapshot against a rule set.
type RuleEvaluation struct {
	Blocked   bool
	Flags     []string
	Decisions []RuleDecision
}

// RuleDecision lists the actions fired by a single matching rule.
type RuleDecision struct {
	RuleID   string
	RuleName string
	Actions  []RuleActionResult
}

// RuleActionResult is an action with its value resolved against the snapshot.
type RuleActionResult struct {
	Type            string
	CalculatedValue *decimal.Decimal
	Message         string
}

// RuleSubject is what a rule set is evaluated against: an employee snapshot and the change
// proposed for them.
type RuleSubject struct {
	Employee      EmployeeSnapshot
	RecType       RecommendationType
	CurrentValue  decimal.Decimal
	ProposedValue decimal.Decimal
}
