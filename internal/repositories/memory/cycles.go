package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

type cycleRepo struct {
	store *Store
}

func (r *cycleRepo) Insert(ctx context.Context, cycle domain.Cycle) error {
	return r.store.write(ctx, func(data *state) error {
		if _, exists := data.cycles[cycle.ID]; exists {
			return conflict("cycles.insert", "cycle "+cycle.ID)
		}
		data.cycles[cycle.ID] = cloneCycle(cycle)
		return nil
	})
}

func (r *cycleRepo) FindByID(ctx context.Context, cycleID string) (domain.Cycle, error) {
	var out domain.Cycle
	err := r.store.read(ctx, func(data *state) error {
		cycle, ok := data.cycles[cycleID]
		if !ok {
			return notFound("cycles.get", "cycle "+cycleID)
		}
		out = cloneCycle(cycle)
		return nil
	})
	return out, err
}

func (r *cycleRepo) Update(ctx context.Context, cycle domain.Cycle) error {
	return r.store.write(ctx, func(data *state) error {
		if _, ok := data.cycles[cycle.ID]; !ok {
			return notFound("cycles.update", "cycle "+cycle.ID)
		}
		data.cycles[cycle.ID] = cloneCycle(cycle)
		return nil
	})
}

func (r *cycleRepo) List(ctx context.Context, filter repositories.CycleFilter) (domain.CursorPage[domain.Cycle], error) {
	var items []domain.Cycle
	err := r.store.read(ctx, func(data *state) error {
		for _, cycle := range data.cycles {
			if filter.TenantID != "" && cycle.TenantID != filter.TenantID {
				continue
			}
			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, cycle.Status) {
				continue
			}
			items = append(items, cloneCycle(cycle))
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Cycle]{}, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return paginate(items, filter.Pagination)
}

func (r *cycleRepo) ListByStatus(ctx context.Context, statuses []domain.CycleStatus) ([]domain.Cycle, error) {
	page, err := r.List(ctx, repositories.CycleFilter{
		Statuses:   statuses,
		Pagination: domain.Pagination{PageSize: 1 << 30},
	})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

type budgetRepo struct {
	store *Store
}

func (r *budgetRepo) ListByCycle(ctx context.Context, cycleID string) ([]domain.Budget, error) {
	var out []domain.Budget
	err := r.store.read(ctx, func(data *state) error {
		for _, b := range data.budgets {
			if b.CycleID == cycleID {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Department == out[j].Department {
			return out[i].ManagerID < out[j].ManagerID
		}
		return strings.Compare(out[i].Department, out[j].Department) < 0
	})
	return out, err
}

func (r *budgetRepo) FindByID(ctx context.Context, budgetID string) (domain.Budget, error) {
	var out domain.Budget
	err := r.store.read(ctx, func(data *state) error {
		b, ok := data.budgets[budgetID]
		if !ok {
			return notFound("budgets.get", "budget "+budgetID)
		}
		out = b
		return nil
	})
	return out, err
}

func (r *budgetRepo) SaveAll(ctx context.Context, budgets []domain.Budget) error {
	return r.store.write(ctx, func(data *state) error {
		for _, b := range budgets {
			data.budgets[b.ID] = b
		}
		return nil
	})
}

func cloneCycle(c domain.Cycle) domain.Cycle {
	c.Settings.ApprovalChain = slices.Clone(c.Settings.ApprovalChain)
	c.Settings.TransitionHistory = slices.Clone(c.Settings.TransitionHistory)
	c.Settings.MonitorHistory = slices.Clone(c.Settings.MonitorHistory)
	c.Settings.Extra = maps.Clone(c.Settings.Extra)
	if c.Settings.LastTransition != nil {
		last := *c.Settings.LastTransition
		c.Settings.LastTransition = &last
	}
	if c.Settings.LastMonitorRun != nil {
		last := *c.Settings.LastMonitorRun
		c.Settings.LastMonitorRun = &last
	}
	return c
}
