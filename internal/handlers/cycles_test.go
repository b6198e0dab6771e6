package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/services"
)

type stubCycleService struct {
	createFn     func(context.Context, services.CreateCycleCommand) (services.Cycle, error)
	getFn        func(context.Context, string, string) (services.Cycle, error)
	listFn       func(context.Context, services.CycleListFilter) (domain.CursorPage[services.Cycle], error)
	transitionFn func(context.Context, services.TransitionCycleCommand) (services.Cycle, error)
	settingsFn   func(context.Context, services.UpdateCycleSettingsCommand) (services.Cycle, error)
}

func (s *stubCycleService) CreateCycle(ctx context.Context, cmd services.CreateCycleCommand) (services.Cycle, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubCycleService) GetCycle(ctx context.Context, tenantID, cycleID string) (services.Cycle, error) {
	return s.getFn(ctx, tenantID, cycleID)
}

func (s *stubCycleService) ListCycles(ctx context.Context, filter services.CycleListFilter) (domain.CursorPage[services.Cycle], error) {
	return s.listFn(ctx, filter)
}

func (s *stubCycleService) TransitionCycle(ctx context.Context, cmd services.TransitionCycleCommand) (services.Cycle, error) {
	return s.transitionFn(ctx, cmd)
}

func (s *stubCycleService) UpdateCycleSettings(ctx context.Context, cmd services.UpdateCycleSettingsCommand) (services.Cycle, error) {
	return s.settingsFn(ctx, cmd)
}

func (s *stubCycleService) AllowedTransitions(status domain.CycleStatus) []domain.CycleStatus {
	if status == domain.CycleStatusDraft {
		return []domain.CycleStatus{domain.CycleStatusPlanning, domain.CycleStatusCancelled}
	}
	return nil
}

type stubBudgetService struct {
	listFn    func(context.Context, string, string) ([]services.Budget, error)
	setFn     func(context.Context, services.SetBudgetsCommand) ([]services.Budget, error)
	requestFn func(context.Context, services.RequestBudgetCommand) (services.Budget, error)
}

func (s *stubBudgetService) ListBudgets(ctx context.Context, tenantID, cycleID string) ([]services.Budget, error) {
	return s.listFn(ctx, tenantID, cycleID)
}

func (s *stubBudgetService) SetBudgets(ctx context.Context, cmd services.SetBudgetsCommand) ([]services.Budget, error) {
	return s.setFn(ctx, cmd)
}

func (s *stubBudgetService) RequestBudget(ctx context.Context, cmd services.RequestBudgetCommand) (services.Budget, error) {
	return s.requestFn(ctx, cmd)
}

func (s *stubBudgetService) RecalculateBudgetRemaining(context.Context, string) ([]services.Budget, error) {
	return nil, nil
}

func (s *stubBudgetService) RecalculateBudgetSpent(context.Context, string) ([]services.Budget, error) {
	return nil, nil
}

func sampleCycle() domain.Cycle {
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return domain.Cycle{
		ID:          "cyc_1",
		TenantID:    "tenant-a",
		Name:        "FY26 Merit",
		CycleType:   domain.CycleTypeMerit,
		Status:      domain.CycleStatusDraft,
		BudgetTotal: decimal.RequireFromString("250000.00"),
		Currency:    "USD",
		StartDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
		CreatedBy:   "hr-1",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestCycleHandlers_CreateCycle(t *testing.T) {
	var got services.CreateCycleCommand
	svc := &stubCycleService{
		createFn: func(_ context.Context, cmd services.CreateCycleCommand) (services.Cycle, error) {
			got = cmd
			return sampleCycle(), nil
		},
	}
	h := NewCycleHandlers(nil, svc, &stubBudgetService{})
	router := cycleRouter(hrCaller(), h.Routes)

	rr := doJSON(t, router, http.MethodPost, "/cycles", map[string]any{
		"name":        "FY26 Merit",
		"cycleType":   "MERIT",
		"budgetTotal": "250000.00",
		"currency":    "usd",
		"startDate":   "2026-03-01",
		"endDate":     "2026-04-30",
	})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.TenantID != "tenant-a" || got.ActorID != "hr-1" || got.Currency != "USD" {
		t.Fatalf("unexpected command %#v", got)
	}
	if !got.BudgetTotal.Equal(decimal.RequireFromString("250000")) {
		t.Fatalf("expected budget 250000, got %s", got.BudgetTotal)
	}
	if !got.StartDate.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start date %s", got.StartDate)
	}

	body := decodeResponse(t, rr)
	cycle := body["cycle"].(map[string]any)
	if cycle["status"] != "DRAFT" || cycle["startDate"] != "2026-03-01" {
		t.Fatalf("unexpected cycle payload %v", cycle)
	}
	allowed := cycle["allowedTransitions"].([]any)
	if len(allowed) != 2 || allowed[0] != "PLANNING" {
		t.Fatalf("unexpected allowed transitions %v", allowed)
	}
}

func TestCycleHandlers_CreateCycleValidation(t *testing.T) {
	h := NewCycleHandlers(nil, &stubCycleService{}, &stubBudgetService{})
	router := cycleRouter(hrCaller(), h.Routes)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing name", body: map[string]any{"cycleType": "MERIT", "currency": "USD", "startDate": "2026-03-01", "endDate": "2026-04-30"}},
		{name: "bad cycle type", body: map[string]any{"name": "x", "cycleType": "SPOT", "currency": "USD", "startDate": "2026-03-01", "endDate": "2026-04-30"}},
		{name: "bad date", body: map[string]any{"name": "x", "cycleType": "MERIT", "currency": "USD", "startDate": "03/01/2026", "endDate": "2026-04-30"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, router, http.MethodPost, "/cycles", tc.body)
			assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
		})
	}
}

func TestCycleHandlers_RequiresIdentity(t *testing.T) {
	h := NewCycleHandlers(nil, &stubCycleService{}, &stubBudgetService{})
	router := cycleRouter(nil, h.Routes)

	rr := doJSON(t, router, http.MethodGet, "/cycles/cyc_1", nil)
	assertErrorCode(t, rr, http.StatusUnauthorized, "unauthenticated")
}

func TestCycleHandlers_ListCyclesFilters(t *testing.T) {
	var got services.CycleListFilter
	svc := &stubCycleService{
		listFn: func(_ context.Context, filter services.CycleListFilter) (domain.CursorPage[services.Cycle], error) {
			got = filter
			return domain.CursorPage[services.Cycle]{Items: []services.Cycle{sampleCycle()}, NextPageToken: "next"}, nil
		},
	}
	h := NewCycleHandlers(nil, svc, &stubBudgetService{})
	router := cycleRouter(managerCaller(), h.Routes)

	rr := doJSON(t, router, http.MethodGet, "/cycles?status=active,planning&pageSize=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(got.Statuses) != 2 || got.Statuses[0] != domain.CycleStatusActive || got.Statuses[1] != domain.CycleStatusPlanning {
		t.Fatalf("unexpected statuses %v", got.Statuses)
	}
	if got.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", got.Pagination.PageSize)
	}
	body := decodeResponse(t, rr)
	if body["nextPageToken"] != "next" || len(body["items"].([]any)) != 1 {
		t.Fatalf("unexpected list body %v", body)
	}

	rr = doJSON(t, router, http.MethodGet, "/cycles?orderBy=name", nil)
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_query")
}

func TestCycleHandlers_TransitionErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "not found", err: services.ErrCycleNotFound, status: http.StatusNotFound, code: "cycle_not_found"},
		{name: "forbidden", err: services.ErrCycleForbidden, status: http.StatusForbidden, code: "forbidden"},
		{name: "invalid transition", err: services.ErrCycleInvalidTransition, status: http.StatusConflict, code: "invalid_transition"},
		{name: "unavailable", err: services.ErrRepositoryUnavailable, status: http.StatusServiceUnavailable, code: "service_unavailable"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got services.TransitionCycleCommand
			svc := &stubCycleService{
				transitionFn: func(_ context.Context, cmd services.TransitionCycleCommand) (services.Cycle, error) {
					got = cmd
					return services.Cycle{}, tc.err
				},
			}
			router := cycleRouter(hrCaller(), NewCycleHandlers(nil, svc, &stubBudgetService{}).Routes)

			rr := doJSON(t, router, http.MethodPost, "/cycles/cyc_1:transition", map[string]any{"target": "planning"})
			assertErrorCode(t, rr, tc.status, tc.code)
			if got.CycleID != "cyc_1" || got.Target != domain.CycleStatusPlanning || got.ActorRole != domain.RoleHRManager {
				t.Fatalf("unexpected command %#v", got)
			}
		})
	}
}

func TestCycleHandlers_UpdateSettingsRequiresField(t *testing.T) {
	router := cycleRouter(hrCaller(), NewCycleHandlers(nil, &stubCycleService{}, &stubBudgetService{}).Routes)

	rr := doJSON(t, router, http.MethodPatch, "/cycles/cyc_1/settings", map[string]any{})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestCycleHandlers_RequestBudgetDefaultsManager(t *testing.T) {
	var got services.RequestBudgetCommand
	budgets := &stubBudgetService{
		requestFn: func(_ context.Context, cmd services.RequestBudgetCommand) (services.Budget, error) {
			got = cmd
			return domain.Budget{
				ID:         "bud_1",
				CycleID:    cmd.CycleID,
				Department: cmd.Department,
				ManagerID:  cmd.ManagerID,
				Allocated:  cmd.Allocated,
				Remaining:  cmd.Allocated,
				Source:     domain.BudgetSourceBottomUp,
			}, nil
		},
	}
	router := cycleRouter(managerCaller(), NewCycleHandlers(nil, &stubCycleService{}, budgets).Routes)

	rr := doJSON(t, router, http.MethodPost, "/cycles/cyc_1/budgets:request", map[string]any{
		"department": "Engineering",
		"allocated":  "40000",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.ManagerID != "mgr-1" || got.Department != "Engineering" {
		t.Fatalf("unexpected command %#v", got)
	}
	budget := decodeResponse(t, rr)["budget"].(map[string]any)
	if budget["allocated"] != "40000" || budget["source"] != string(domain.BudgetSourceBottomUp) {
		t.Fatalf("unexpected budget payload %v", budget)
	}
}

func TestCycleHandlers_SetBudgetsInvalidState(t *testing.T) {
	budgets := &stubBudgetService{
		setFn: func(context.Context, services.SetBudgetsCommand) ([]services.Budget, error) {
			return nil, services.ErrBudgetInvalidState
		},
	}
	router := cycleRouter(hrCaller(), NewCycleHandlers(nil, &stubCycleService{}, budgets).Routes)

	rr := doJSON(t, router, http.MethodPut, "/cycles/cyc_1/budgets", map[string]any{
		"entries": []map[string]any{{"department": "Sales", "allocated": "1000"}},
	})
	assertErrorCode(t, rr, http.StatusConflict, "invalid_state")
}
