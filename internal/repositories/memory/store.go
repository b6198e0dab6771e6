// Package memory provides in-process repository implementations for tests and local development.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/pagination"
	"github.com/meritflow/compcycle/internal/repositories"
)

type txKey struct{}

// ErrReadAfterWrite is returned when a transaction reads after it has queued a write.
var ErrReadAfterWrite = errors.New("memory: read after write in transaction")

// memTx tracks one RunInTx call.
type memTx struct {
	store *Store
	wrote bool
}

type state struct {
	cycles        map[string]domain.Cycle
	budgets       map[string]domain.Budget
	recs          map[string]domain.Recommendation
	sessions      map[string]domain.CalibrationSession
	ruleSets      map[string]domain.RuleSet
	notifications map[string]domain.Notification
	audits        []domain.AuditLogEntry
	members       []domain.TenantMember
	employees     map[string]domain.Employee
}

func newState() *state {
	return &state{
		cycles:        make(map[string]domain.Cycle),
		budgets:       make(map[string]domain.Budget),
		recs:          make(map[string]domain.Recommendation),
		sessions:      make(map[string]domain.CalibrationSession),
		ruleSets:      make(map[string]domain.RuleSet),
		notifications: make(map[string]domain.Notification),
		employees:     make(map[string]domain.Employee),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.cycles {
		out.cycles[k] = v
	}
	for k, v := range s.budgets {
		out.budgets[k] = v
	}
	for k, v := range s.recs {
		out.recs[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.ruleSets {
		out.ruleSets[k] = v
	}
	for k, v := range s.notifications {
		out.notifications[k] = v
	}
	out.audits = append(out.audits, s.audits...)
	out.members = append(out.members, s.members...)
	for k, v := range s.employees {
		out.employees[k] = v
	}
	return out
}

// Store is a mutex-guarded in-memory database shared by all memory repositories.
type Store struct {
	mu   sync.Mutex
	data *state
}

// Registry implements repositories.Registry on top of a Store.
type Registry struct {
	store  *Store
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Option customises the registry.
type Option func(*Registry)

// WithHealth overrides the health repository returned by the registry.
func WithHealth(repo repositories.HealthRepository) Option {
	return func(r *Registry) {
		if repo != nil {
			r.health = repo
		}
	}
}

// NewRegistry constructs an empty in-memory registry.
func NewRegistry(opts ...Option) *Registry {
	store := &Store{data: newState()}
	reg := &Registry{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	if reg.health == nil {
		health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
			Name:     "memory",
			Critical: true,
			Check:    func(context.Context) error { return nil },
		}})
		reg.health = health
	}
	return reg
}

// Close implements repositories.Registry.
func (r *Registry) Close(context.Context) error { return nil }

// RunInTx serialises fn against all other store access and restores the prior state when fn fails.
// Like a Firestore transaction, every read must happen before the first write; a read after a
// write fails with ErrReadAfterWrite.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if inTx(ctx) {
		return fn(ctx)
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, &memTx{store: s})); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (r *Registry) Cycles() repositories.CycleRepository { return &cycleRepo{store: r.store} }

func (r *Registry) Budgets() repositories.BudgetRepository { return &budgetRepo{store: r.store} }

func (r *Registry) Recommendations() repositories.RecommendationRepository {
	return &recommendationRepo{store: r.store}
}

func (r *Registry) CalibrationSessions() repositories.CalibrationSessionRepository {
	return &sessionRepo{store: r.store}
}

func (r *Registry) RuleSets() repositories.RuleSetRepository { return &ruleSetRepo{store: r.store} }

func (r *Registry) Notifications() repositories.NotificationRepository {
	return &notificationRepo{store: r.store}
}

func (r *Registry) AuditLogs() repositories.AuditLogRepository { return &auditRepo{store: r.store} }

func (r *Registry) Members() repositories.TenantMemberRepository { return &memberRepo{store: r.store} }

func (r *Registry) Employees() repositories.EmployeeDirectory { return &employeeRepo{store: r.store} }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// AddMember registers a tenant member.
func (r *Registry) AddMember(member domain.TenantMember) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.data.members = append(r.store.data.members, member)
}

// AddEmployees registers directory entries.
func (r *Registry) AddEmployees(employees ...domain.Employee) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, emp := range employees {
		r.store.data.employees[employeeKey(emp.TenantID, emp.ID)] = emp
	}
}

// AllNotifications returns every stored notification ordered by creation.
func (r *Registry) AllNotifications() []domain.Notification {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]domain.Notification, 0, len(r.store.data.notifications))
	for _, n := range r.store.data.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AllAuditLogs returns every stored audit entry in append order.
func (r *Registry) AllAuditLogs() []domain.AuditLogEntry {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return append([]domain.AuditLogEntry(nil), r.store.data.audits...)
}

func inTx(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	_, ok := ctx.Value(txKey{}).(*memTx)
	return ok
}

func (s *Store) read(ctx context.Context, fn func(data *state) error) error {
	return s.with(ctx, false, fn)
}

func (s *Store) write(ctx context.Context, fn func(data *state) error) error {
	return s.with(ctx, true, fn)
}

// with runs fn with the store locked unless the caller already holds the lock through RunInTx.
func (s *Store) with(ctx context.Context, writes bool, fn func(data *state) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx, ok := ctx.Value(txKey{}).(*memTx); ok && tx.store == s {
		if !writes && tx.wrote {
			return ErrReadAfterWrite
		}
		if err := fn(s.data); err != nil {
			return err
		}
		if writes {
			tx.wrote = true
		}
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func employeeKey(tenantID, employeeID string) string {
	return tenantID + "/" + employeeID
}

// paginate slices items that are already sorted by key, using an offset cursor.
func paginate[T any](items []T, pager domain.Pagination) (domain.CursorPage[T], error) {
	size := pager.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	start := 0
	if pager.PageToken != "" {
		cursor, err := pagination.DecodeToken(pager.PageToken)
		if err != nil {
			return domain.CursorPage[T]{}, newError("paginate", err, false, false)
		}
		start = cursor.Offset
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	page := domain.CursorPage[T]{Items: append([]T(nil), items[start:end]...)}
	if end < len(items) {
		token, err := pagination.EncodeToken(pagination.AtOffset(end))
		if err != nil {
			return domain.CursorPage[T]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}
