package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	domain "github.com/meritflow/compcycle/internal/domain"
)

// transitionValidator checks a precondition of one transition and returns a description of the
// unmet condition, or "" when it holds.
type transitionValidator func(ctx context.Context, cycle domain.Cycle) (string, error)

type transitionRule struct {
	roles     []domain.Role
	validator transitionValidator
}

type stateDefinition struct {
	targets map[domain.CycleStatus]transitionRule
	order   []domain.CycleStatus
}

// cycleStateMachine is built once and never mutated.
type cycleStateMachine struct {
	states map[domain.CycleStatus]stateDefinition
}

type recommendationCounter func(ctx context.Context, cycleID string) (int, error)

var (
	plannerRoles = []domain.Role{domain.RoleAdmin, domain.RoleHRManager}
	adminOnly    = []domain.Role{domain.RoleAdmin}
)

func newCycleStateMachine(countRecommendations recommendationCounter) cycleStateMachine {
	hasBudget := func(_ context.Context, cycle domain.Cycle) (string, error) {
		if !cycle.BudgetTotal.IsPositive() {
			return "budgetTotal must be greater than zero", nil
		}
		return "", nil
	}
	hasRecommendations := func(ctx context.Context, cycle domain.Cycle) (string, error) {
		n, err := countRecommendations(ctx, cycle.ID)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "cycle has no recommendations", nil
		}
		return "", nil
	}

	type edge struct {
		to   domain.CycleStatus
		rule transitionRule
	}
	table := map[domain.CycleStatus][]edge{
		domain.CycleStatusDraft: {
			{domain.CycleStatusPlanning, transitionRule{roles: plannerRoles}},
			{domain.CycleStatusCancelled, transitionRule{}},
		},
		domain.CycleStatusPlanning: {
			{domain.CycleStatusActive, transitionRule{roles: plannerRoles, validator: hasBudget}},
			{domain.CycleStatusDraft, transitionRule{}},
			{domain.CycleStatusCancelled, transitionRule{roles: adminOnly}},
		},
		domain.CycleStatusActive: {
			{domain.CycleStatusCalibration, transitionRule{roles: plannerRoles, validator: hasRecommendations}},
			{domain.CycleStatusApproval, transitionRule{roles: plannerRoles}},
			{domain.CycleStatusCancelled, transitionRule{roles: adminOnly}},
		},
		domain.CycleStatusCalibration: {
			{domain.CycleStatusApproval, transitionRule{roles: plannerRoles}},
			{domain.CycleStatusActive, transitionRule{}},
			{domain.CycleStatusCancelled, transitionRule{roles: adminOnly}},
		},
		domain.CycleStatusApproval: {
			{domain.CycleStatusCompleted, transitionRule{roles: adminOnly, validator: hasRecommendations}},
			{domain.CycleStatusCalibration, transitionRule{}},
			{domain.CycleStatusCancelled, transitionRule{roles: adminOnly}},
		},
		domain.CycleStatusCompleted: nil,
		domain.CycleStatusCancelled: nil,
	}

	states := make(map[domain.CycleStatus]stateDefinition, len(table))
	for from, edges := range table {
		def := stateDefinition{targets: make(map[domain.CycleStatus]transitionRule, len(edges))}
		for _, e := range edges {
			def.targets[e.to] = e.rule
			def.order = append(def.order, e.to)
		}
		states[from] = def
	}
	return cycleStateMachine{states: states}
}

// allowed returns the permitted targets from a state in declaration order.
func (m cycleStateMachine) allowed(from domain.CycleStatus) []domain.CycleStatus {
	return slices.Clone(m.states[from].order)
}

// check runs the transition, guard, and validator checks in order.
func (m cycleStateMachine) check(ctx context.Context, cycle domain.Cycle, target domain.CycleStatus, role domain.Role) error {
	def := m.states[cycle.Status]
	rule, ok := def.targets[target]
	if !ok {
		if len(def.order) == 0 {
			return fmt.Errorf("%w: %s is terminal", ErrCycleInvalidTransition, cycle.Status)
		}
		names := make([]string, 0, len(def.order))
		for _, s := range def.order {
			names = append(names, string(s))
		}
		return fmt.Errorf("%w: cannot move from %s to %s; allowed: %s",
			ErrCycleInvalidTransition, cycle.Status, target, strings.Join(names, ", "))
	}
	if len(rule.roles) > 0 && !slices.Contains(rule.roles, role) {
		return fmt.Errorf("%w: role %q may not move a cycle from %s to %s", ErrCycleForbidden, role, cycle.Status, target)
	}
	if rule.validator != nil {
		unmet, err := rule.validator(ctx, cycle)
		if err != nil {
			return err
		}
		if unmet != "" {
			return fmt.Errorf("%w: %s", ErrCycleInvalidState, unmet)
		}
	}
	return nil
}
