package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/httpx"
	"github.com/meritflow/compcycle/internal/services"
)

// CycleHandlers exposes cycle lifecycle and budget ledger endpoints.
type CycleHandlers struct {
	authn   *auth.Authenticator
	cycles  services.CycleService
	budgets services.BudgetService
}

// NewCycleHandlers constructs CycleHandlers.
func NewCycleHandlers(authn *auth.Authenticator, cycles services.CycleService, budgets services.BudgetService) *CycleHandlers {
	return &CycleHandlers{authn: authn, cycles: cycles, budgets: budgets}
}

// Routes registers the cycle and budget routes under /cycles.
func (h *CycleHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(guard(h.authn, reviewerRoles...)...).Get("/", h.listCycles)
	r.With(guard(h.authn, hrRoles...)...).Post("/", h.createCycle)
	r.With(guard(h.authn, reviewerRoles...)...).Get("/{cycleID}", h.getCycle)
	// Per-pair roles are enforced by the cycle state machine; unguarded pairs are open to any caller.
	r.With(guard(h.authn)...).Post("/{cycleID}:transition", h.transitionCycle)
	r.With(guard(h.authn, hrRoles...)...).Patch("/{cycleID}/settings", h.updateSettings)

	r.With(guard(h.authn, reviewerRoles...)...).Get("/{cycleID}/budgets", h.listBudgets)
	r.With(guard(h.authn, hrRoles...)...).Put("/{cycleID}/budgets", h.setBudgets)
	r.With(guard(h.authn, reviewerRoles...)...).Post("/{cycleID}/budgets:request", h.requestBudget)
}

type createCycleRequest struct {
	Name              string          `json:"name" validate:"required,max=200"`
	CycleType         string          `json:"cycleType" validate:"required,oneof=MERIT BONUS LTI COMBINED"`
	BudgetTotal       decimal.Decimal `json:"budgetTotal"`
	Currency          string          `json:"currency" validate:"required,len=3,alpha"`
	StartDate         string          `json:"startDate" validate:"required"`
	EndDate           string          `json:"endDate" validate:"required"`
	ApprovalChain     []string        `json:"approvalChain,omitempty" validate:"omitempty,dive,oneof=ADMIN HR_MANAGER MANAGER"`
	EscalationDelayMs *int64          `json:"escalationDelayMs,omitempty" validate:"omitempty,gt=0"`
	DriftThresholdPct *float64        `json:"driftThresholdPct,omitempty" validate:"omitempty,gt=0,lte=100"`
}

type transitionCycleRequest struct {
	Target string `json:"target" validate:"required"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type updateSettingsRequest struct {
	ApprovalChain     []string `json:"approvalChain,omitempty" validate:"omitempty,min=1,dive,oneof=ADMIN HR_MANAGER MANAGER"`
	EscalationDelayMs *int64   `json:"escalationDelayMs,omitempty" validate:"omitempty,gt=0"`
	DriftThresholdPct *float64 `json:"driftThresholdPct,omitempty" validate:"omitempty,gt=0,lte=100"`
}

type budgetEntryRequest struct {
	Department string          `json:"department" validate:"required,max=120"`
	ManagerID  string          `json:"managerId,omitempty" validate:"max=128"`
	Allocated  decimal.Decimal `json:"allocated"`
}

type setBudgetsRequest struct {
	Entries []budgetEntryRequest `json:"entries" validate:"required,min=1,max=500,dive"`
}

type transitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor"`
	At     string `json:"at"`
}

type monitorRunPayload struct {
	RunID            string   `json:"runId"`
	Trigger          string   `json:"trigger"`
	StartedAt        string   `json:"startedAt"`
	CompletedAt      string   `json:"completedAt"`
	OverallDriftPct  float64  `json:"overallDriftPct"`
	DriftExceeded    bool     `json:"driftExceeded"`
	DepartmentsOver  int      `json:"departmentsOver"`
	Violations       int      `json:"violations"`
	CriticalFindings int      `json:"criticalFindings"`
	Outliers         int      `json:"outliers"`
	AlertsCreated    int      `json:"alertsCreated"`
	Errors           []string `json:"errors,omitempty"`
}

type cycleSettingsPayload struct {
	ApprovalChain     []string            `json:"approvalChain"`
	EscalationDelayMs *int64              `json:"escalationDelayMs,omitempty"`
	DriftThresholdPct *float64            `json:"driftThresholdPct,omitempty"`
	LastTransition    *transitionPayload  `json:"lastTransition,omitempty"`
	LastMonitorRun    *monitorRunPayload  `json:"lastMonitorRun,omitempty"`
	MonitorHistory    []monitorRunPayload `json:"monitorHistory,omitempty"`
}

type cyclePayload struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	CycleType          string               `json:"cycleType"`
	Status             string               `json:"status"`
	BudgetTotal        decimal.Decimal      `json:"budgetTotal"`
	Currency           string               `json:"currency"`
	StartDate          string               `json:"startDate"`
	EndDate            string               `json:"endDate"`
	Settings           cycleSettingsPayload `json:"settings"`
	AllowedTransitions []string             `json:"allowedTransitions"`
	CreatedBy          string               `json:"createdBy,omitempty"`
	CreatedAt          string               `json:"createdAt"`
	UpdatedAt          string               `json:"updatedAt"`
}

type budgetPayload struct {
	ID          string          `json:"id"`
	Department  string          `json:"department"`
	ManagerID   string          `json:"managerId,omitempty"`
	Allocated   decimal.Decimal `json:"allocated"`
	Spent       decimal.Decimal `json:"spent"`
	Remaining   decimal.Decimal `json:"remaining"`
	DriftPct    float64         `json:"driftPct"`
	Source      string          `json:"source"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	UpdatedAt   string          `json:"updatedAt"`
}

func (h *CycleHandlers) listCycles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	params, ok := listParams(ctx, w, r, "status")
	if !ok {
		return
	}
	filter := services.CycleListFilter{TenantID: identity.TenantID, Pagination: params.Pagination()}
	for _, status := range params.Values("status") {
		filter.Statuses = append(filter.Statuses, domain.CycleStatus(strings.ToUpper(status)))
	}

	page, err := h.cycles.ListCycles(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]cyclePayload, 0, len(page.Items))
	for _, cycle := range page.Items {
		items = append(items, h.buildCyclePayload(cycle))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items, "nextPageToken": page.NextPageToken})
}

func (h *CycleHandlers) createCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req createCycleRequest
	if !decodeBody(ctx, w, r, maxCommandBodySize, &req) {
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "startDate must be YYYY-MM-DD or RFC3339", http.StatusBadRequest))
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "endDate must be YYYY-MM-DD or RFC3339", http.StatusBadRequest))
		return
	}

	cycle, err := h.cycles.CreateCycle(ctx, services.CreateCycleCommand{
		TenantID:          identity.TenantID,
		ActorID:           identity.UID,
		Name:              req.Name,
		CycleType:         domain.CycleType(req.CycleType),
		BudgetTotal:       req.BudgetTotal,
		Currency:          strings.ToUpper(req.Currency),
		StartDate:         start,
		EndDate:           end,
		ApprovalChain:     toRoles(req.ApprovalChain),
		EscalationDelayMs: req.EscalationDelayMs,
		DriftThresholdPct: req.DriftThresholdPct,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"cycle": h.buildCyclePayload(cycle)})
}

func (h *CycleHandlers) getCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	cycle, err := h.cycles.GetCycle(ctx, identity.TenantID, urlParam(r, "cycleID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"cycle": h.buildCyclePayload(cycle)})
}

func (h *CycleHandlers) transitionCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req transitionCycleRequest
	if !decodeBody(ctx, w, r, maxCommandBodySize, &req) {
		return
	}
	cycle, err := h.cycles.TransitionCycle(ctx, services.TransitionCycleCommand{
		TenantID:  identity.TenantID,
		CycleID:   urlParam(r, "cycleID"),
		Target:    domain.CycleStatus(strings.ToUpper(strings.TrimSpace(req.Target))),
		ActorID:   identity.UID,
		ActorRole: identity.Role,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"cycle": h.buildCyclePayload(cycle)})
}

func (h *CycleHandlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req updateSettingsRequest
	if !decodeBody(ctx, w, r, maxCommandBodySize, &req) {
		return
	}
	if req.ApprovalChain == nil && req.EscalationDelayMs == nil && req.DriftThresholdPct == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no editable settings supplied", http.StatusBadRequest))
		return
	}
	cycle, err := h.cycles.UpdateCycleSettings(ctx, services.UpdateCycleSettingsCommand{
		TenantID:          identity.TenantID,
		CycleID:           urlParam(r, "cycleID"),
		ActorID:           identity.UID,
		ApprovalChain:     toRoles(req.ApprovalChain),
		EscalationDelayMs: req.EscalationDelayMs,
		DriftThresholdPct: req.DriftThresholdPct,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"cycle": h.buildCyclePayload(cycle)})
}

func (h *CycleHandlers) listBudgets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	budgets, err := h.budgets.ListBudgets(ctx, identity.TenantID, urlParam(r, "cycleID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildBudgetPayloads(budgets)})
}

func (h *CycleHandlers) setBudgets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req setBudgetsRequest
	if !decodeBody(ctx, w, r, maxImportBodySize, &req) {
		return
	}
	entries := make([]services.BudgetEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, services.BudgetEntry{Department: e.Department, ManagerID: e.ManagerID, Allocated: e.Allocated})
	}
	budgets, err := h.budgets.SetBudgets(ctx, services.SetBudgetsCommand{
		TenantID: identity.TenantID,
		CycleID:  urlParam(r, "cycleID"),
		ActorID:  identity.UID,
		Entries:  entries,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildBudgetPayloads(budgets)})
}

func (h *CycleHandlers) requestBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req budgetEntryRequest
	if !decodeBody(ctx, w, r, maxCommandBodySize, &req) {
		return
	}
	managerID := req.ManagerID
	if managerID == "" && identity.Role == domain.RoleManager {
		managerID = identity.UID
	}
	budget, err := h.budgets.RequestBudget(ctx, services.RequestBudgetCommand{
		TenantID:   identity.TenantID,
		CycleID:    urlParam(r, "cycleID"),
		ActorID:    identity.UID,
		Department: req.Department,
		ManagerID:  managerID,
		Allocated:  req.Allocated,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"budget": buildBudgetPayload(budget)})
}

func (h *CycleHandlers) buildCyclePayload(cycle domain.Cycle) cyclePayload {
	payload := cyclePayload{
		ID:          cycle.ID,
		Name:        cycle.Name,
		CycleType:   string(cycle.CycleType),
		Status:      string(cycle.Status),
		BudgetTotal: cycle.BudgetTotal,
		Currency:    cycle.Currency,
		StartDate:   cycle.StartDate.UTC().Format(time.DateOnly),
		EndDate:     cycle.EndDate.UTC().Format(time.DateOnly),
		Settings: cycleSettingsPayload{
			ApprovalChain:     roleStrings(cycle.Settings.ApprovalChain),
			EscalationDelayMs: cycle.Settings.EscalationDelayMs,
			DriftThresholdPct: cycle.Settings.DriftThresholdPct,
		},
		AllowedTransitions: []string{},
		CreatedBy:          cycle.CreatedBy,
		CreatedAt:          formatTime(cycle.CreatedAt),
		UpdatedAt:          formatTime(cycle.UpdatedAt),
	}
	if t := cycle.Settings.LastTransition; t != nil {
		payload.Settings.LastTransition = &transitionPayload{
			From:   string(t.From),
			To:     string(t.To),
			Reason: t.Reason,
			Actor:  t.Actor,
			At:     formatTime(t.At),
		}
	}
	if run := cycle.Settings.LastMonitorRun; run != nil {
		last := buildMonitorRunPayload(*run)
		payload.Settings.LastMonitorRun = &last
	}
	for _, run := range cycle.Settings.MonitorHistory {
		payload.Settings.MonitorHistory = append(payload.Settings.MonitorHistory, buildMonitorRunPayload(run))
	}
	if h.cycles != nil {
		for _, status := range h.cycles.AllowedTransitions(cycle.Status) {
			payload.AllowedTransitions = append(payload.AllowedTransitions, string(status))
		}
	}
	return payload
}

func buildMonitorRunPayload(run domain.MonitorRunRecord) monitorRunPayload {
	return monitorRunPayload{
		RunID:            run.RunID,
		Trigger:          run.Trigger,
		StartedAt:        formatTime(run.StartedAt),
		CompletedAt:      formatTime(run.CompletedAt),
		OverallDriftPct:  run.OverallDriftPct,
		DriftExceeded:    run.DriftExceeded,
		DepartmentsOver:  run.DepartmentsOver,
		Violations:       run.Violations,
		CriticalFindings: run.CriticalFindings,
		Outliers:         run.Outliers,
		AlertsCreated:    run.AlertsCreated,
		Errors:           run.Errors,
	}
}

func buildBudgetPayload(b domain.Budget) budgetPayload {
	return budgetPayload{
		ID:          b.ID,
		Department:  b.Department,
		ManagerID:   b.ManagerID,
		Allocated:   b.Allocated,
		Spent:       b.Spent,
		Remaining:   b.Remaining,
		DriftPct:    b.DriftPct,
		Source:      string(b.Source),
		RequestedBy: b.RequestedBy,
		UpdatedAt:   formatTime(b.UpdatedAt),
	}
}

func buildBudgetPayloads(budgets []domain.Budget) []budgetPayload {
	out := make([]budgetPayload, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, buildBudgetPayload(b))
	}
	return out
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
