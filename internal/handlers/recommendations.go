package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/services"
)

// RecommendationHandlers exposes recommendation import, submission and approval endpoints.
type RecommendationHandlers struct {
	authn           *auth.Authenticator
	recommendations services.RecommendationService
	approvals       services.ApprovalService
	idempotency     func(http.Handler) http.Handler
	nudgeLimiter    RateLimiter
}

// RecommendationOption customises RecommendationHandlers.
type RecommendationOption func(*RecommendationHandlers)

// WithBulkApprovalIdempotency wraps approvals:bulk with the idempotency middleware.
func WithBulkApprovalIdempotency(mw func(http.Handler) http.Handler) RecommendationOption {
	return func(h *RecommendationHandlers) { h.idempotency = mw }
}

// WithNudgeRateLimit caps how many nudges one caller may send per window on this instance.
func WithNudgeRateLimit(limit int, window time.Duration) RecommendationOption {
	return func(h *RecommendationHandlers) { h.nudgeLimiter = newLocalRateLimiter(limit, window, nil) }
}

// WithNudgeLimiter installs a shared limiter such as RedisRateLimiter.
func WithNudgeLimiter(l RateLimiter) RecommendationOption {
	return func(h *RecommendationHandlers) {
		if l != nil {
			h.nudgeLimiter = l
		}
	}
}

// NewRecommendationHandlers constructs RecommendationHandlers.
func NewRecommendationHandlers(authn *auth.Authenticator, recommendations services.RecommendationService, approvals services.ApprovalService, opts ...RecommendationOption) *RecommendationHandlers {
	h := &RecommendationHandlers{authn: authn, recommendations: recommendations, approvals: approvals}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the recommendation and approval routes under /cycles.
func (h *RecommendationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(guard(h.authn, reviewerRoles...)...).Get("/{cycleID}/recommendations", h.listRecommendations)
	r.With(guard(h.authn, reviewerRoles...)...).Post("/{cycleID}/recommendations", h.bulkCreate)
	r.With(guard(h.authn, reviewerRoles...)...).Post("/{cycleID}/recommendations:submit", h.submit)

	r.With(guard(h.authn, reviewerRoles...)...).Get("/{cycleID}/approval-chain", h.approvalChain)
	bulk := guard(h.authn, reviewerRoles...)
	if h.idempotency != nil {
		bulk = append(bulk, h.idempotency)
	}
	r.With(bulk...).Post("/{cycleID}/approvals:bulk", h.bulkDecide)
	r.With(guard(h.authn, hrRoles...)...).Post("/{cycleID}/escalations:schedule", h.scheduleEscalation)
	nudge := guard(h.authn, hrRoles...)
	if h.nudgeLimiter != nil {
		nudge = append(nudge, rateLimit(h.nudgeLimiter, "nudge_rate_limited"))
	}
	r.With(nudge...).Post("/{cycleID}/nudges", h.nudge)
}

type recommendationItemRequest struct {
	EmployeeID     string          `json:"employeeId" validate:"required,max=128"`
	RecType        string          `json:"recType" validate:"required,oneof=MERIT_INCREASE BONUS LTI_GRANT PROMOTION MARKET_ADJUSTMENT"`
	CurrentValue   decimal.Decimal `json:"currentValue"`
	ProposedValue  decimal.Decimal `json:"proposedValue"`
	Justification  string          `json:"justification,omitempty" validate:"max=4000"`
	ApproverUserID string          `json:"approverUserId,omitempty" validate:"max=128"`
}

type bulkCreateRequest struct {
	Items []recommendationItemRequest `json:"items" validate:"required,min=1,max=5000,dive"`
}

type submitRequest struct {
	RecommendationIDs []string `json:"recommendationIds" validate:"required,min=1,max=5000,dive,required"`
}

type decisionRequest struct {
	RecommendationID string `json:"recommendationId" validate:"required"`
	Decision         string `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Comment          string `json:"comment,omitempty" validate:"max=2000"`
}

type bulkDecisionRequest struct {
	Decisions []decisionRequest `json:"decisions" validate:"required,min=1,max=5000,dive"`
}

type nudgeRequest struct {
	Targets []string `json:"targets,omitempty" validate:"omitempty,max=500,dive,required"`
	Message string   `json:"message,omitempty" validate:"max=2000"`
}

type itemErrorPayload struct {
	RecommendationID string `json:"recommendationId,omitempty"`
	EmployeeID       string `json:"employeeId,omitempty"`
	RecType          string `json:"recType,omitempty"`
	Reason           string `json:"reason"`
}

type employeePayload struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
	Level      string `json:"level,omitempty"`
	JobFamily  string `json:"jobFamily,omitempty"`
	Location   string `json:"location,omitempty"`
	ManagerID  string `json:"managerId,omitempty"`
}

type recommendationPayload struct {
	ID              string          `json:"id"`
	CycleID         string          `json:"cycleId"`
	EmployeeID      string          `json:"employeeId"`
	Employee        employeePayload `json:"employee"`
	RecType         string          `json:"recType"`
	CurrentValue    decimal.Decimal `json:"currentValue"`
	ProposedValue   decimal.Decimal `json:"proposedValue"`
	ChangePct       *float64        `json:"changePct,omitempty"`
	Justification   string          `json:"justification,omitempty"`
	Status          string          `json:"status"`
	ApproverUserID  string          `json:"approverUserId,omitempty"`
	ApprovedAt      string          `json:"approvedAt,omitempty"`
	Locked          bool            `json:"locked"`
	LockedBySession string          `json:"lockedBySession,omitempty"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt"`
}

func (h *RecommendationHandlers) listRecommendations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	params, ok := listParams(ctx, w, r, "status", "department", "level")
	if !ok {
		return
	}
	filter := services.RecommendationListFilter{
		TenantID:   identity.TenantID,
		CycleID:    urlParam(r, "cycleID"),
		Department: params.First("department"),
		Level:      params.First("level"),
		Pagination: params.Pagination(),
	}
	for _, status := range params.Values("status") {
		filter.Statuses = append(filter.Statuses, domain.RecommendationStatus(strings.ToUpper(status)))
	}
	page, err := h.recommendations.ListRecommendations(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]recommendationPayload, 0, len(page.Items))
	for _, rec := range page.Items {
		items = append(items, buildRecommendationPayload(rec))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items, "nextPageToken": page.NextPageToken})
}

func (h *RecommendationHandlers) bulkCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req bulkCreateRequest
	if !decodeBody(ctx, w, r, maxImportBodySize, &req) {
		return
	}
	items := make([]services.RecommendationInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.RecommendationInput{
			EmployeeID:     item.EmployeeID,
			RecType:        domain.RecommendationType(item.RecType),
			CurrentValue:   item.CurrentValue,
			ProposedValue:  item.ProposedValue,
			Justification:  item.Justification,
			ApproverUserID: item.ApproverUserID,
		})
	}
	result, err := h.recommendations.BulkCreateRecommendations(ctx, services.BulkCreateRecommendationsCommand{
		TenantID: identity.TenantID,
		CycleID:  urlParam(r, "cycleID"),
		ActorID:  identity.UID,
		Items:    items,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	errs := make([]itemErrorPayload, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, itemErrorPayload{EmployeeID: e.EmployeeID, RecType: string(e.RecType), Reason: e.Reason})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"created": result.Created,
		"updated": result.Updated,
		"total":   result.Total,
		"errors":  errs,
	})
}

func (h *RecommendationHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeBody(ctx, w, r, maxImportBodySize, &req) {
		return
	}
	result, err := h.recommendations.SubmitRecommendations(ctx, services.SubmitRecommendationsCommand{
		TenantID:          identity.TenantID,
		CycleID:           urlParam(r, "cycleID"),
		ActorID:           identity.UID,
		RecommendationIDs: req.RecommendationIDs,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"submitted": result.Submitted,
		"total":     result.Total,
		"errors":    buildItemErrors(result.Errors),
	})
}

func (h *RecommendationHandlers) approvalChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	chain, err := h.approvals.GetApprovalChain(ctx, identity.TenantID, urlParam(r, "cycleID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"approvalChain": roleStrings(chain)})
}

func (h *RecommendationHandlers) bulkDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req bulkDecisionRequest
	if !decodeBody(ctx, w, r, maxImportBodySize, &req) {
		return
	}
	decisions := make([]services.DecisionInput, 0, len(req.Decisions))
	for _, d := range req.Decisions {
		decisions = append(decisions, services.DecisionInput{
			RecommendationID: strings.TrimSpace(d.RecommendationID),
			Decision:         domain.RecommendationStatus(d.Decision),
			Comment:          d.Comment,
		})
	}
	result, err := h.approvals.BulkApproveReject(ctx, services.BulkDecisionCommand{
		TenantID:  identity.TenantID,
		CycleID:   urlParam(r, "cycleID"),
		ActorID:   identity.UID,
		Decisions: decisions,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"approved": result.Approved,
		"rejected": result.Rejected,
		"total":    result.Total,
		"errors":   buildItemErrors(result.Errors),
	})
}

func (h *RecommendationHandlers) scheduleEscalation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	result, err := h.approvals.ScheduleEscalation(ctx, services.ScheduleEscalationCommand{
		TenantID: identity.TenantID,
		CycleID:  urlParam(r, "cycleID"),
		ActorID:  identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusAccepted
	if result.JobID == "" {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, map[string]any{
		"scheduled": result.Scheduled,
		"jobId":     result.JobID,
		"runAt":     formatTimePtr(result.RunAt),
	})
}

func (h *RecommendationHandlers) nudge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req nudgeRequest
	if !decodeBody(ctx, w, r, maxCommandBodySize, &req) {
		return
	}
	result, err := h.approvals.SendNudge(ctx, services.SendNudgeCommand{
		TenantID: identity.TenantID,
		CycleID:  urlParam(r, "cycleID"),
		ActorID:  identity.UID,
		Targets:  req.Targets,
		Message:  req.Message,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	targets := result.Targets
	if targets == nil {
		targets = []string{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"nudged": result.Nudged, "targets": targets})
}

func buildItemErrors(errs []services.ItemError) []itemErrorPayload {
	out := make([]itemErrorPayload, 0, len(errs))
	for _, e := range errs {
		out = append(out, itemErrorPayload{RecommendationID: e.RecommendationID, Reason: e.Reason})
	}
	return out
}

func buildRecommendationPayload(rec domain.Recommendation) recommendationPayload {
	payload := recommendationPayload{
		ID:         rec.ID,
		CycleID:    rec.CycleID,
		EmployeeID: rec.EmployeeID,
		Employee: employeePayload{
			ID:         rec.Employee.ID,
			Name:       rec.Employee.Name,
			Department: rec.Employee.Department,
			Level:      rec.Employee.Level,
			JobFamily:  rec.Employee.JobFamily,
			Location:   rec.Employee.Location,
			ManagerID:  rec.Employee.ManagerID,
		},
		RecType:         string(rec.RecType),
		CurrentValue:    rec.CurrentValue,
		ProposedValue:   rec.ProposedValue,
		Justification:   rec.Justification,
		Status:          string(rec.Status),
		ApproverUserID:  rec.ApproverUserID,
		ApprovedAt:      formatTimePtr(rec.ApprovedAt),
		Locked:          rec.Locked,
		LockedBySession: rec.LockedBySession,
		CreatedAt:       formatTime(rec.CreatedAt),
		UpdatedAt:       formatTime(rec.UpdatedAt),
	}
	if pct, ok := rec.ChangePct(); ok {
		payload.ChangePct = &pct
	}
	return payload
}
