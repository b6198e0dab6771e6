package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/httpx"
	"github.com/meritflow/compcycle/internal/services"
)

// MonitorHandlers exposes the analytical monitors, manual runs and summary exports.
type MonitorHandlers struct {
	authn     *auth.Authenticator
	monitors  services.MonitorService
	scheduler services.MonitorScheduler
	exports   services.SummaryExportService
}

// NewMonitorHandlers constructs MonitorHandlers. A nil exports service disables summary:export.
func NewMonitorHandlers(authn *auth.Authenticator, monitors services.MonitorService, scheduler services.MonitorScheduler, exports services.SummaryExportService) *MonitorHandlers {
	return &MonitorHandlers{authn: authn, monitors: monitors, scheduler: scheduler, exports: exports}
}

// Routes registers the monitor routes under /cycles.
func (h *MonitorHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(guard(h.authn, hrRoles...)...).Get("/{cycleID}/monitors/budget-drift", h.budgetDrift)
	r.With(guard(h.authn, hrRoles...)...).Get("/{cycleID}/monitors/policy-violations", h.policyViolations)
	r.With(guard(h.authn, hrRoles...)...).Get("/{cycleID}/monitors/outliers", h.outliers)
	r.With(guard(h.authn, hrRoles...)...).Get("/{cycleID}/monitors/summary", h.summary)
	r.With(guard(h.authn, hrRoles...)...).Post("/{cycleID}/monitors:run", h.run)
	r.With(guard(h.authn, hrRoles...)...).Post("/{cycleID}/summary:export", h.export)
}

type departmentDriftPayload struct {
	Department string          `json:"department"`
	Allocated  decimal.Decimal `json:"allocated"`
	Spent      decimal.Decimal `json:"spent"`
	Remaining  decimal.Decimal `json:"remaining"`
	DriftPct   float64         `json:"driftPct"`
	Exceeded   bool            `json:"exceeded"`
}

type burnRatePayload struct {
	DaysElapsed      int             `json:"daysElapsed"`
	DaysRemaining    int             `json:"daysRemaining"`
	TotalDays        int             `json:"totalDays"`
	DailyBurnRate    decimal.Decimal `json:"dailyBurnRate"`
	ProjectedTotal   decimal.Decimal `json:"projectedTotal"`
	ProjectedOverage decimal.Decimal `json:"projectedOverage"`
}

type budgetDriftPayload struct {
	CycleID         string                   `json:"cycleId"`
	BudgetTotal     decimal.Decimal          `json:"budgetTotal"`
	TotalAllocated  decimal.Decimal          `json:"totalAllocated"`
	TotalSpent      decimal.Decimal          `json:"totalSpent"`
	OverallDriftPct float64                  `json:"overallDriftPct"`
	Exceeded        bool                     `json:"exceeded"`
	ThresholdPct    float64                  `json:"thresholdPct"`
	Departments     []departmentDriftPayload `json:"departments"`
	BurnRate        burnRatePayload          `json:"burnRate"`
	EvaluatedAt     string                   `json:"evaluatedAt"`
}

type violationPayload struct {
	RecommendationID string           `json:"recommendationId"`
	EmployeeID       string           `json:"employeeId"`
	EmployeeName     string           `json:"employeeName,omitempty"`
	Department       string           `json:"department,omitempty"`
	Type             string           `json:"type"`
	Severity         string           `json:"severity"`
	RuleSetID        string           `json:"ruleSetId,omitempty"`
	RuleSetName      string           `json:"ruleSetName,omitempty"`
	RuleID           string           `json:"ruleId,omitempty"`
	RuleName         string           `json:"ruleName,omitempty"`
	Message          string           `json:"message"`
	Limit            *decimal.Decimal `json:"limit,omitempty"`
	Actual           *decimal.Decimal `json:"actual,omitempty"`
}

type policyViolationsPayload struct {
	CycleID                string             `json:"cycleId"`
	RuleSetsEvaluated      int                `json:"ruleSetsEvaluated"`
	RecommendationsChecked int                `json:"recommendationsChecked"`
	Violations             []violationPayload `json:"violations"`
	BySeverity             map[string]int     `json:"bySeverity"`
	ByType                 map[string]int     `json:"byType"`
	EvaluationErrors       []string           `json:"evaluationErrors,omitempty"`
	EvaluatedAt            string             `json:"evaluatedAt"`
}

type outlierPayload struct {
	RecommendationID        string  `json:"recommendationId"`
	RelatedRecommendationID string  `json:"relatedRecommendationId,omitempty"`
	EmployeeID              string  `json:"employeeId"`
	EmployeeName            string  `json:"employeeName,omitempty"`
	Department              string  `json:"department,omitempty"`
	Level                   string  `json:"level,omitempty"`
	Type                    string  `json:"type"`
	Severity                string  `json:"severity"`
	ChangePct               float64 `json:"changePct"`
	ZScore                  float64 `json:"zScore,omitempty"`
	CohortMean              float64 `json:"cohortMean,omitempty"`
	CohortStdDev            float64 `json:"cohortStdDev,omitempty"`
	CohortSize              int     `json:"cohortSize,omitempty"`
	Message                 string  `json:"message"`
}

type outliersPayload struct {
	CycleID         string           `json:"cycleId"`
	CohortsAnalyzed int              `json:"cohortsAnalyzed"`
	Outliers        []outlierPayload `json:"outliers"`
	ByType          map[string]int   `json:"byType"`
	BySeverity      map[string]int   `json:"bySeverity"`
	EvaluatedAt     string           `json:"evaluatedAt"`
}

type progressPayload struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"byStatus"`
	Locked        int            `json:"locked"`
	Approved      int            `json:"approved"`
	CompletionPct float64        `json:"completionPct"`
	DaysElapsed   int            `json:"daysElapsed"`
	DaysRemaining int            `json:"daysRemaining"`
	TotalDays     int            `json:"totalDays"`
}

type summaryPayload struct {
	CycleID     string                  `json:"cycleId"`
	CycleName   string                  `json:"cycleName"`
	Status      string                  `json:"status"`
	Currency    string                  `json:"currency"`
	Progress    progressPayload         `json:"progress"`
	Budget      budgetDriftPayload      `json:"budget"`
	Policy      policyViolationsPayload `json:"policy"`
	Outliers    outliersPayload         `json:"outliers"`
	Blockers    []string                `json:"blockers"`
	ActionItems []string                `json:"actionItems"`
	Markdown    string                  `json:"markdown"`
	GeneratedAt string                  `json:"generatedAt"`
}

func (h *MonitorHandlers) query(w http.ResponseWriter, r *http.Request) (services.MonitorQuery, bool) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return services.MonitorQuery{}, false
	}
	q := services.MonitorQuery{TenantID: identity.TenantID, CycleID: urlParam(r, "cycleID")}
	if raw := strings.TrimSpace(r.URL.Query().Get("thresholdPct")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 100 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "thresholdPct must be a number in (0, 100]", http.StatusBadRequest))
			return services.MonitorQuery{}, false
		}
		q.ThresholdPct = &v
	}
	return q, true
}

func (h *MonitorHandlers) budgetDrift(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	result, err := h.monitors.DetectBudgetDrift(r.Context(), q)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildBudgetDriftPayload(result))
}

func (h *MonitorHandlers) policyViolations(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	result, err := h.monitors.DetectPolicyViolations(r.Context(), q)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPolicyPayload(result))
}

func (h *MonitorHandlers) outliers(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	result, err := h.monitors.DetectOutliers(r.Context(), q)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOutliersPayload(result))
}

func (h *MonitorHandlers) summary(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	result, err := h.monitors.GenerateSummary(r.Context(), q)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSummaryPayload(result))
}

func (h *MonitorHandlers) run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.scheduler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("monitor_scheduler_unavailable", "monitor runs are not enabled", http.StatusServiceUnavailable))
		return
	}
	job, err := h.scheduler.TriggerManualRun(ctx, services.TriggerMonitorRunCommand{
		TenantID: identity.TenantID,
		CycleID:  urlParam(r, "cycleID"),
		ActorID:  identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"jobId":     job.ID,
		"name":      job.Name,
		"duplicate": job.Duplicate,
		"runAt":     formatTime(job.RunAt),
	})
}

func (h *MonitorHandlers) export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.exports == nil {
		httpx.WriteError(ctx, w, httpx.NewError("summary_export_unavailable", "summary export storage is not configured", http.StatusServiceUnavailable))
		return
	}
	format := services.ExportFormat(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if format == "" {
		format = services.ExportFormatHTML
	}
	switch format {
	case services.ExportFormatHTML, services.ExportFormatMarkdown, services.ExportFormatXLSX:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", "format must be html, xlsx or md", http.StatusBadRequest))
		return
	}
	export, err := h.exports.Export(ctx, services.ExportSummaryCommand{
		TenantID: identity.TenantID,
		CycleID:  urlParam(r, "cycleID"),
		ActorID:  identity.UID,
		Format:   format,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"object":      export.Object,
		"url":         export.URL,
		"contentType": export.ContentType,
		"expiresAt":   formatTime(export.ExpiresAt),
	})
}

func buildBudgetDriftPayload(r domain.BudgetDriftResult) budgetDriftPayload {
	payload := budgetDriftPayload{
		CycleID:         r.CycleID,
		BudgetTotal:     r.BudgetTotal,
		TotalAllocated:  r.TotalAllocated,
		TotalSpent:      r.TotalSpent,
		OverallDriftPct: r.OverallDriftPct,
		Exceeded:        r.Exceeded,
		ThresholdPct:    r.ThresholdPct,
		Departments:     make([]departmentDriftPayload, 0, len(r.Departments)),
		BurnRate: burnRatePayload{
			DaysElapsed:      r.BurnRate.DaysElapsed,
			DaysRemaining:    r.BurnRate.DaysRemaining,
			TotalDays:        r.BurnRate.TotalDays,
			DailyBurnRate:    r.BurnRate.DailyBurnRate,
			ProjectedTotal:   r.BurnRate.ProjectedTotal,
			ProjectedOverage: r.BurnRate.ProjectedOverage,
		},
		EvaluatedAt: formatTime(r.EvaluatedAt),
	}
	for _, d := range r.Departments {
		payload.Departments = append(payload.Departments, departmentDriftPayload(d))
	}
	return payload
}

func buildPolicyPayload(r domain.PolicyViolationResult) policyViolationsPayload {
	payload := policyViolationsPayload{
		CycleID:                r.CycleID,
		RuleSetsEvaluated:      r.RuleSetsEvaluated,
		RecommendationsChecked: r.RecommendationsChecked,
		Violations:             make([]violationPayload, 0, len(r.Violations)),
		BySeverity:             make(map[string]int, len(r.BySeverity)),
		ByType:                 make(map[string]int, len(r.ByType)),
		EvaluationErrors:       r.EvaluationErrors,
		EvaluatedAt:            formatTime(r.EvaluatedAt),
	}
	for _, v := range r.Violations {
		payload.Violations = append(payload.Violations, violationPayload{
			RecommendationID: v.RecommendationID,
			EmployeeID:       v.EmployeeID,
			EmployeeName:     v.EmployeeName,
			Department:       v.Department,
			Type:             string(v.Type),
			Severity:         string(v.Severity),
			RuleSetID:        v.RuleSetID,
			RuleSetName:      v.RuleSetName,
			RuleID:           v.RuleID,
			RuleName:         v.RuleName,
			Message:          v.Message,
			Limit:            v.Limit,
			Actual:           v.Actual,
		})
	}
	for k, v := range r.BySeverity {
		payload.BySeverity[string(k)] = v
	}
	for k, v := range r.ByType {
		payload.ByType[string(k)] = v
	}
	return payload
}

func buildOutliersPayload(r domain.OutlierResult) outliersPayload {
	payload := outliersPayload{
		CycleID:         r.CycleID,
		CohortsAnalyzed: r.CohortsAnalyzed,
		Outliers:        make([]outlierPayload, 0, len(r.Outliers)),
		ByType:          make(map[string]int, len(r.ByType)),
		BySeverity:      make(map[string]int, len(r.BySeverity)),
		EvaluatedAt:     formatTime(r.EvaluatedAt),
	}
	for _, o := range r.Outliers {
		payload.Outliers = append(payload.Outliers, outlierPayload{
			RecommendationID:        o.RecommendationID,
			RelatedRecommendationID: o.RelatedRecommendationID,
			EmployeeID:              o.EmployeeID,
			EmployeeName:            o.EmployeeName,
			Department:              o.Department,
			Level:                   o.Level,
			Type:                    string(o.Type),
			Severity:                string(o.Severity),
			ChangePct:               o.ChangePct,
			ZScore:                  o.ZScore,
			CohortMean:              o.CohortMean,
			CohortStdDev:            o.CohortStdDev,
			CohortSize:              o.CohortSize,
			Message:                 o.Message,
		})
	}
	for k, v := range r.ByType {
		payload.ByType[string(k)] = v
	}
	for k, v := range r.BySeverity {
		payload.BySeverity[string(k)] = v
	}
	return payload
}

func buildSummaryPayload(s domain.ExecutiveSummary) summaryPayload {
	progress := progressPayload{
		Total:         s.Progress.Total,
		ByStatus:      make(map[string]int, len(s.Progress.ByStatus)),
		Locked:        s.Progress.Locked,
		Approved:      s.Progress.Approved,
		CompletionPct: s.Progress.CompletionPct,
		DaysElapsed:   s.Progress.DaysElapsed,
		DaysRemaining: s.Progress.DaysRemaining,
		TotalDays:     s.Progress.TotalDays,
	}
	for k, v := range s.Progress.ByStatus {
		progress.ByStatus[string(k)] = v
	}
	blockers, actions := s.Blockers, s.ActionItems
	if blockers == nil {
		blockers = []string{}
	}
	if actions == nil {
		actions = []string{}
	}
	return summaryPayload{
		CycleID:     s.CycleID,
		CycleName:   s.CycleName,
		Status:      string(s.Status),
		Currency:    s.Currency,
		Progress:    progress,
		Budget:      buildBudgetDriftPayload(s.Budget),
		Policy:      buildPolicyPayload(s.Policy),
		Outliers:    buildOutliersPayload(s.Outliers),
		Blockers:    blockers,
		ActionItems: actions,
		Markdown:    s.Markdown,
		GeneratedAt: formatTime(s.GeneratedAt),
	}
}
