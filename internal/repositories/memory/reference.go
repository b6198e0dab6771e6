package memory

import (
	"context"
	"slices"
	"sort"
	"strings"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

type ruleSetRepo struct {
	store *Store
}

func (r *ruleSetRepo) ListActive(ctx context.Context, tenantID string) ([]domain.RuleSet, error) {
	var out []domain.RuleSet
	err := r.store.read(ctx, func(data *state) error {
		for _, rs := range data.ruleSets {
			if rs.TenantID != tenantID || rs.Status != domain.RuleSetStatusActive {
				continue
			}
			rs.Rules = slices.Clone(rs.Rules)
			sort.SliceStable(rs.Rules, func(i, j int) bool { return rs.Rules[i].Priority < rs.Rules[j].Priority })
			out = append(out, rs)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *ruleSetRepo) Upsert(ctx context.Context, ruleSet domain.RuleSet) error {
	return r.store.write(ctx, func(data *state) error {
		ruleSet.Rules = slices.Clone(ruleSet.Rules)
		data.ruleSets[ruleSet.ID] = ruleSet
		return nil
	})
}

type notificationRepo struct {
	store *Store
}

func (r *notificationRepo) InsertMany(ctx context.Context, notifications []domain.Notification) error {
	return r.store.write(ctx, func(data *state) error {
		for _, n := range notifications {
			if _, exists := data.notifications[n.ID]; exists {
				return conflict("notifications.insert", "notification "+n.ID)
			}
		}
		for _, n := range notifications {
			data.notifications[n.ID] = n
		}
		return nil
	})
}

func (r *notificationRepo) ListByUser(ctx context.Context, tenantID, userID string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error) {
	var items []domain.Notification
	err := r.store.read(ctx, func(data *state) error {
		for _, n := range data.notifications {
			if n.TenantID == tenantID && n.UserID == userID {
				items = append(items, n)
			}
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, pager)
}

type auditRepo struct {
	store *Store
}

func (r *auditRepo) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	return r.store.write(ctx, func(data *state) error {
		data.audits = append(data.audits, entry)
		return nil
	})
}

func (r *auditRepo) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	var items []domain.AuditLogEntry
	err := r.store.read(ctx, func(data *state) error {
		for _, entry := range data.audits {
			if filter.TenantID != "" && entry.TenantID != filter.TenantID {
				continue
			}
			if filter.TargetRef != "" && entry.TargetRef != filter.TargetRef {
				continue
			}
			if filter.Actor != "" && entry.Actor != filter.Actor {
				continue
			}
			if filter.Action != "" && !strings.EqualFold(entry.Action, filter.Action) {
				continue
			}
			if filter.Since != nil && entry.CreatedAt.Before(*filter.Since) {
				continue
			}
			items = append(items, entry)
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, filter.Pagination)
}

type memberRepo struct {
	store *Store
}

func (r *memberRepo) ListByRole(ctx context.Context, tenantID string, role domain.Role) ([]domain.TenantMember, error) {
	var out []domain.TenantMember
	err := r.store.read(ctx, func(data *state) error {
		for _, m := range data.members {
			if m.TenantID == tenantID && m.Role == role {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, err
}

type employeeRepo struct {
	store *Store
}

func (r *employeeRepo) FindByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Employee, error) {
	out := make(map[string]domain.Employee, len(ids))
	err := r.store.read(ctx, func(data *state) error {
		for _, id := range ids {
			if emp, ok := data.employees[employeeKey(tenantID, id)]; ok {
				out[id] = emp
			}
		}
		return nil
	})
	return out, err
}
