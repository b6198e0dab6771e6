package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/meritflow/compcycle/internal/domain"
)

type seedFile struct {
	RuleSets []ruleSetYAML `yaml:"ruleSets"`
}

type ruleSetYAML struct {
	ID       string     `yaml:"id"`
	TenantID string     `yaml:"tenantId"`
	Name     string     `yaml:"name"`
	Status   string     `yaml:"status"`
	Rules    []ruleYAML `yaml:"rules"`
}

type ruleYAML struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Priority   int             `yaml:"priority"`
	Conditions []conditionYAML `yaml:"conditions"`
	Actions    []actionYAML    `yaml:"actions"`
}

type conditionYAML struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

type actionYAML struct {
	Type    string  `yaml:"type"`
	Value   float64 `yaml:"value"`
	Basis   string  `yaml:"basis"`
	Message string  `yaml:"message"`
}

// ParseYAML decodes and validates a rule-set seed document.
func ParseYAML(data []byte, now time.Time) ([]domain.RuleSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("rules: seed payload is empty")
	}
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: decode seed: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.RuleSets))
	out := make([]domain.RuleSet, 0, len(doc.RuleSets))
	for i, raw := range doc.RuleSets {
		rs, err := raw.toDomain(now)
		if err != nil {
			return nil, fmt.Errorf("rules: ruleSets[%d]: %w", i, err)
		}
		if _, dup := seen[rs.ID]; dup {
			return nil, fmt.Errorf("rules: duplicate rule set id %q", rs.ID)
		}
		seen[rs.ID] = struct{}{}
		out = append(out, rs)
	}
	return out, nil
}

// LoadFile reads rule sets from a YAML seed file.
func LoadFile(path string, now time.Time) ([]domain.RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rules: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("rules: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	sets, err := ParseYAML(data, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sets, nil
}

// Upserter stores rule sets.
type Upserter interface {
	Upsert(ctx context.Context, ruleSet domain.RuleSet) error
}

// Seed writes every rule set through repo.
func Seed(ctx context.Context, repo Upserter, sets []domain.RuleSet) error {
	for _, rs := range sets {
		if err := repo.Upsert(ctx, rs); err != nil {
			return fmt.Errorf("rules: seed %s: %w", rs.ID, err)
		}
	}
	return nil
}

func (r ruleSetYAML) toDomain(now time.Time) (domain.RuleSet, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return domain.RuleSet{}, errors.New("id is required")
	}
	tenant := strings.TrimSpace(r.TenantID)
	if tenant == "" {
		return domain.RuleSet{}, errors.New("tenantId is required")
	}
	status := domain.RuleSetStatus(strings.ToUpper(strings.TrimSpace(r.Status)))
	switch status {
	case "":
		status = domain.RuleSetStatusActive
	case domain.RuleSetStatusActive, domain.RuleSetStatusDraft, domain.RuleSetStatusArchived:
	default:
		return domain.RuleSet{}, fmt.Errorf("unknown status %q", r.Status)
	}

	rs := domain.RuleSet{
		ID:        id,
		TenantID:  tenant,
		Name:      strings.TrimSpace(r.Name),
		Status:    status,
		UpdatedAt: now.UTC(),
	}
	for j, rule := range r.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return domain.RuleSet{}, fmt.Errorf("rules[%d]: id is required", j)
		}
		out := domain.Rule{ID: strings.TrimSpace(rule.ID), Name: rule.Name, Priority: rule.Priority}
		for _, c := range rule.Conditions {
			if err := validateOperator(c.Operator); err != nil {
				return domain.RuleSet{}, fmt.Errorf("rules[%d]: %w", j, err)
			}
			out.Conditions = append(out.Conditions, domain.RuleCondition{Field: c.Field, Operator: c.Operator, Value: c.Value})
		}
		for _, a := range rule.Actions {
			switch a.Type {
			case domain.RuleActionApplyCap, domain.RuleActionApplyFloor, domain.RuleActionBlock, domain.RuleActionFlag:
			default:
				return domain.RuleSet{}, fmt.Errorf("rules[%d]: %w: %q", j, ErrUnknownAction, a.Type)
			}
			basis := strings.ToLower(strings.TrimSpace(a.Basis))
			if basis == "" {
				basis = domain.RuleBasisAbsolute
			}
			out.Actions = append(out.Actions, domain.RuleAction{Type: a.Type, Value: a.Value, Basis: basis, Message: a.Message})
		}
		rs.Rules = append(rs.Rules, out)
	}
	return rs, nil
}

func validateOperator(op string) error {
	switch op {
	case OpEqual, OpNotEqual, OpIn, OpNotIn, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpContains:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}
