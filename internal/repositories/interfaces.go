package repositories

import (
	"context"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Cycles() CycleRepository
	Budgets() BudgetRepository
	Recommendations() RecommendationRepository
	CalibrationSessions() CalibrationSessionRepository
	RuleSets() RuleSetRepository
	Notifications() NotificationRepository
	AuditLogs() AuditLogRepository
	Members() TenantMemberRepository
	Employees() EmployeeDirectory
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Implementations may
// invoke fn more than once when the backend retries contended transactions, so fn must reset
// any state it accumulates.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CycleFilter narrows cycle listings.
type CycleFilter struct {
	TenantID   string
	Statuses   []domain.CycleStatus
	Pagination domain.Pagination
}

// CycleRepository persists compensation cycles.
type CycleRepository interface {
	Insert(ctx context.Context, cycle domain.Cycle) error
	FindByID(ctx context.Context, cycleID string) (domain.Cycle, error)
	Update(ctx context.Context, cycle domain.Cycle) error
	List(ctx context.Context, filter CycleFilter) (domain.CursorPage[domain.Cycle], error)
	// ListByStatus returns cycles in any of the statuses across all tenants.
	ListByStatus(ctx context.Context, statuses []domain.CycleStatus) ([]domain.Cycle, error)
}

// BudgetRepository persists per-department ledger rows.
type BudgetRepository interface {
	ListByCycle(ctx context.Context, cycleID string) ([]domain.Budget, error)
	FindByID(ctx context.Context, budgetID string) (domain.Budget, error)
	SaveAll(ctx context.Context, budgets []domain.Budget) error
}

// RecommendationFilter narrows recommendation queries within a cycle.
type RecommendationFilter struct {
	CycleID    string
	Statuses   []domain.RecommendationStatus
	Department string
	Level      string
}

// RecommendationRepository persists compensation recommendations. IDs are deterministic per
// (cycle, employee, type) so upserts resolve through FindByIDs.
type RecommendationRepository interface {
	FindByID(ctx context.Context, recommendationID string) (domain.Recommendation, error)
	// FindByIDs returns the recommendations that exist, keyed by ID. Missing IDs are omitted.
	FindByIDs(ctx context.Context, ids []string) (map[string]domain.Recommendation, error)
	List(ctx context.Context, filter RecommendationFilter) ([]domain.Recommendation, error)
	Page(ctx context.Context, filter RecommendationFilter, pager domain.Pagination) (domain.CursorPage[domain.Recommendation], error)
	Count(ctx context.Context, cycleID string) (int, error)
	SaveAll(ctx context.Context, recs []domain.Recommendation) error
}

// CalibrationSessionRepository persists calibration sessions.
type CalibrationSessionRepository interface {
	Insert(ctx context.Context, session domain.CalibrationSession) error
	FindByID(ctx context.Context, sessionID string) (domain.CalibrationSession, error)
	Update(ctx context.Context, session domain.CalibrationSession) error
	ListByCycle(ctx context.Context, cycleID string) ([]domain.CalibrationSession, error)
}

// RuleSetRepository persists compensation policy rule sets.
type RuleSetRepository interface {
	// ListActive returns ACTIVE rule sets for the tenant with rules ordered by priority.
	ListActive(ctx context.Context, tenantID string) ([]domain.RuleSet, error)
	Upsert(ctx context.Context, ruleSet domain.RuleSet) error
}

// NotificationRepository persists in-app notifications.
type NotificationRepository interface {
	InsertMany(ctx context.Context, notifications []domain.Notification) error
	ListByUser(ctx context.Context, tenantID, userID string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error)
}

// AuditLogFilter narrows audit log listings.
type AuditLogFilter struct {
	TenantID   string
	TargetRef  string
	Actor      string
	Action     string
	Since      *time.Time
	Pagination domain.Pagination
}

// AuditLogRepository persists audit entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// TenantMemberRepository resolves users within a tenant.
type TenantMemberRepository interface {
	ListByRole(ctx context.Context, tenantID string, role domain.Role) ([]domain.TenantMember, error)
}

// EmployeeDirectory looks up employees from the HR system of record.
type EmployeeDirectory interface {
	// FindByIDs returns the employees that exist, keyed by employee ID.
	FindByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Employee, error)
}

// HealthRepository reports on backing dependencies.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
