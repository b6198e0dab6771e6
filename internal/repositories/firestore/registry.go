package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/meritflow/compcycle/internal/platform/firestore"
	"github.com/meritflow/compcycle/internal/repositories"
)

// Registry implements repositories.Registry on a shared Firestore provider.
type Registry struct {
	provider *pfirestore.Provider

	cycles        *CycleRepository
	budgets       *BudgetRepository
	recs          *RecommendationRepository
	sessions      *CalibrationSessionRepository
	ruleSets      *RuleSetRepository
	notifications *NotificationRepository
	audits        *AuditLogRepository
	members       *TenantMemberRepository
	employees     repositories.EmployeeDirectory
	health        repositories.HealthRepository

	extraChecks []repositories.DependencyCheck
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the Firestore registry.
type RegistryOption func(*Registry)

// WithEmployeeDirectory replaces the Firestore employee directory, e.g. with the HRIS reader.
func WithEmployeeDirectory(dir repositories.EmployeeDirectory) RegistryOption {
	return func(r *Registry) {
		if dir != nil {
			r.employees = dir
		}
	}
}

// WithDependencyChecks adds readiness probes next to the built-in Firestore probe.
func WithDependencyChecks(checks ...repositories.DependencyCheck) RegistryOption {
	return func(r *Registry) {
		r.extraChecks = append(r.extraChecks, checks...)
	}
}

// NewRegistry wires every Firestore repository against provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}

	var err error
	if reg.cycles, err = NewCycleRepository(provider); err != nil {
		return nil, err
	}
	if reg.budgets, err = NewBudgetRepository(provider); err != nil {
		return nil, err
	}
	if reg.recs, err = NewRecommendationRepository(provider); err != nil {
		return nil, err
	}
	if reg.sessions, err = NewCalibrationSessionRepository(provider); err != nil {
		return nil, err
	}
	if reg.ruleSets, err = NewRuleSetRepository(provider); err != nil {
		return nil, err
	}
	if reg.notifications, err = NewNotificationRepository(provider); err != nil {
		return nil, err
	}
	if reg.audits, err = NewAuditLogRepository(provider); err != nil {
		return nil, err
	}
	if reg.members, err = NewTenantMemberRepository(provider); err != nil {
		return nil, err
	}
	if reg.employees == nil {
		dir, err := NewEmployeeDirectory(provider)
		if err != nil {
			return nil, err
		}
		reg.employees = dir
	}

	checks := append([]repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check:    provider.Ping,
	}}, reg.extraChecks...)
	if reg.health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
		return nil, err
	}
	return reg, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

// RunInTx runs fn in a Firestore transaction, joining one already carried on ctx.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

func (r *Registry) Cycles() repositories.CycleRepository       { return r.cycles }
func (r *Registry) Budgets() repositories.BudgetRepository     { return r.budgets }
func (r *Registry) RuleSets() repositories.RuleSetRepository   { return r.ruleSets }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audits }
func (r *Registry) Employees() repositories.EmployeeDirectory  { return r.employees }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }

func (r *Registry) Recommendations() repositories.RecommendationRepository { return r.recs }

func (r *Registry) CalibrationSessions() repositories.CalibrationSessionRepository {
	return r.sessions
}

func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }

func (r *Registry) Members() repositories.TenantMemberRepository { return r.members }
