package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/jobs"
)

// Domain aliases keep handler and service signatures compact.
type (
	Cycle              = domain.Cycle
	Budget             = domain.Budget
	Recommendation     = domain.Recommendation
	CalibrationSession = domain.CalibrationSession
	Notification       = domain.Notification
	AuditLogEntry      = domain.AuditLogEntry
	SystemHealthReport = domain.SystemHealthReport
	Pagination         = domain.Pagination
)

// Job names handled by the background runner.
const (
	JobApprovalEscalate = "approval.escalate"
	JobMonitorFanout    = "monitor.fanout"
	JobMonitorRun       = "monitor.run"
)

// Logger is the structured event hook services use; main adapts it to zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

// CycleService owns the cycle lifecycle.
type CycleService interface {
	CreateCycle(ctx context.Context, cmd CreateCycleCommand) (Cycle, error)
	GetCycle(ctx context.Context, tenantID, cycleID string) (Cycle, error)
	ListCycles(ctx context.Context, filter CycleListFilter) (domain.CursorPage[Cycle], error)
	TransitionCycle(ctx context.Context, cmd TransitionCycleCommand) (Cycle, error)
	UpdateCycleSettings(ctx context.Context, cmd UpdateCycleSettingsCommand) (Cycle, error)
	AllowedTransitions(status domain.CycleStatus) []domain.CycleStatus
}

// BudgetService maintains the per-department budget ledger.
type BudgetService interface {
	ListBudgets(ctx context.Context, tenantID, cycleID string) ([]Budget, error)
	SetBudgets(ctx context.Context, cmd SetBudgetsCommand) ([]Budget, error)
	RequestBudget(ctx context.Context, cmd RequestBudgetCommand) (Budget, error)
	RecalculateBudgetRemaining(ctx context.Context, cycleID string) ([]Budget, error)
	RecalculateBudgetSpent(ctx context.Context, cycleID string) ([]Budget, error)
}

// RecommendationService imports and lists recommendations.
type RecommendationService interface {
	BulkCreateRecommendations(ctx context.Context, cmd BulkCreateRecommendationsCommand) (BulkCreateResult, error)
	SubmitRecommendations(ctx context.Context, cmd SubmitRecommendationsCommand) (SubmitResult, error)
	ListRecommendations(ctx context.Context, filter RecommendationListFilter) (domain.CursorPage[Recommendation], error)
	GetRecommendation(ctx context.Context, tenantID, recommendationID string) (Recommendation, error)
}

// ApprovalService applies approval decisions, escalations, and nudges.
type ApprovalService interface {
	GetApprovalChain(ctx context.Context, tenantID, cycleID string) ([]domain.Role, error)
	BulkApproveReject(ctx context.Context, cmd BulkDecisionCommand) (BulkDecisionResult, error)
	ScheduleEscalation(ctx context.Context, cmd ScheduleEscalationCommand) (ScheduleEscalationResult, error)
	ExecuteEscalation(ctx context.Context, cmd ExecuteEscalationCommand) (EscalationResult, error)
	SendNudge(ctx context.Context, cmd SendNudgeCommand) (NudgeResult, error)
}

// CalibrationService manages calibration sessions and the recommendation locks they hold.
type CalibrationService interface {
	CreateSession(ctx context.Context, cmd CreateCalibrationSessionCommand) (CalibrationSession, error)
	GetSession(ctx context.Context, tenantID, sessionID string) (CalibrationSession, error)
	ListSessions(ctx context.Context, tenantID, cycleID string) ([]CalibrationSession, error)
	LockRecommendations(ctx context.Context, cmd CalibrationLockCommand) (int, error)
	UnlockRecommendations(ctx context.Context, cmd CalibrationLockCommand) (int, error)
	UpdateSession(ctx context.Context, cmd UpdateCalibrationSessionCommand) (CalibrationSession, error)
}

// MonitorService runs the analytical monitors against a cycle.
type MonitorService interface {
	DetectBudgetDrift(ctx context.Context, cmd MonitorQuery) (domain.BudgetDriftResult, error)
	DetectPolicyViolations(ctx context.Context, cmd MonitorQuery) (domain.PolicyViolationResult, error)
	DetectOutliers(ctx context.Context, cmd MonitorQuery) (domain.OutlierResult, error)
	GenerateSummary(ctx context.Context, cmd MonitorQuery) (domain.ExecutiveSummary, error)
	// CreateAlerts sends detector alerts to the tenant's first ADMIN and returns how many were sent.
	CreateAlerts(ctx context.Context, alerts []domain.MonitorAlert) (int, error)
	// RunMonitors runs every detector, sends their alerts, and records the run on the cycle.
	RunMonitors(ctx context.Context, cmd MonitorRunCommand) (domain.MonitorRunRecord, error)
}

// MonitorScheduler enqueues monitor runs.
type MonitorScheduler interface {
	FanOut(ctx context.Context) (int, error)
	TriggerManualRun(ctx context.Context, cmd TriggerMonitorRunCommand) (jobs.Job, error)
}

// SummaryExportService renders executive summaries to downloadable files.
type SummaryExportService interface {
	Export(ctx context.Context, cmd ExportSummaryCommand) (domain.SignedExport, error)
}

// NotificationService is the sink for in-app notifications.
type NotificationService interface {
	Create(ctx context.Context, notification Notification) (Notification, error)
	CreateMany(ctx context.Context, notifications []Notification) ([]Notification, error)
	ListForUser(ctx context.Context, tenantID, userID string, pager Pagination) (domain.CursorPage[Notification], error)
}

// AuditLogService writes and lists audit entries.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// RuleEvaluator evaluates a compensation policy rule set against one subject.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, subject domain.RuleSubject, ruleSet domain.RuleSet) (domain.RuleEvaluation, error)
}

// JobQueue is the enqueue side of the background job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, payload any, opts jobs.EnqueueOptions) (jobs.Job, error)
}

// CreateCycleCommand opens a new cycle in DRAFT.
type CreateCycleCommand struct {
	TenantID          string
	ActorID           string
	Name              string
	CycleType         domain.CycleType
	BudgetTotal       decimal.Decimal
	Currency          string
	StartDate         time.Time
	EndDate           time.Time
	ApprovalChain     []domain.Role
	EscalationDelayMs *int64
	DriftThresholdPct *float64
}

// CycleListFilter narrows ListCycles.
type CycleListFilter struct {
	TenantID   string
	Statuses   []domain.CycleStatus
	Pagination Pagination
}

// TransitionCycleCommand moves a cycle to Target.
type TransitionCycleCommand struct {
	TenantID  string
	CycleID   string
	Target    domain.CycleStatus
	ActorID   string
	ActorRole domain.Role
	Reason    string
}

// UpdateCycleSettingsCommand merges the non-nil fields into the cycle settings.
type UpdateCycleSettingsCommand struct {
	TenantID          string
	CycleID           string
	ActorID           string
	ApprovalChain     []domain.Role
	EscalationDelayMs *int64
	DriftThresholdPct *float64
}

// BudgetEntry is one allocation line.
type BudgetEntry struct {
	Department string
	ManagerID  string
	Allocated  decimal.Decimal
}

// SetBudgetsCommand is the top-down allocation flow.
type SetBudgetsCommand struct {
	TenantID string
	CycleID  string
	ActorID  string
	Entries  []BudgetEntry
}

// RequestBudgetCommand is the bottom-up allocation flow.
type RequestBudgetCommand struct {
	TenantID   string
	CycleID    string
	ActorID    string
	Department string
	ManagerID  string
	Allocated  decimal.Decimal
}

// RecommendationInput is one item of a bulk import.
type RecommendationInput struct {
	EmployeeID     string
	RecType        domain.RecommendationType
	CurrentValue   decimal.Decimal
	ProposedValue  decimal.Decimal
	Justification  string
	ApproverUserID string
}

// BulkCreateRecommendationsCommand upserts recommendations for a cycle.
type BulkCreateRecommendationsCommand struct {
	TenantID string
	CycleID  string
	ActorID  string
	Items    []RecommendationInput
}

// RecommendationItemError reports an import item that was not written.
type RecommendationItemError struct {
	EmployeeID string
	RecType    domain.RecommendationType
	Reason     string
}

// BulkCreateResult counts what a bulk import did.
type BulkCreateResult struct {
	Created int
	Updated int
	Errors  []RecommendationItemError
	Total   int
}

// SubmitRecommendationsCommand moves DRAFT recommendations to SUBMITTED.
type SubmitRecommendationsCommand struct {
	TenantID          string
	CycleID           string
	ActorID           string
	RecommendationIDs []string
}

// ItemError reports a per-recommendation failure inside a batch.
type ItemError struct {
	RecommendationID string
	Reason           string
}

// SubmitResult counts submitted recommendations.
type SubmitResult struct {
	Submitted int
	Errors    []ItemError
	Total     int
}

// RecommendationListFilter narrows ListRecommendations.
type RecommendationListFilter struct {
	TenantID   string
	CycleID    string
	Statuses   []domain.RecommendationStatus
	Department string
	Level      string
	Pagination Pagination
}

// DecisionInput is one approval decision.
type DecisionInput struct {
	RecommendationID string
	Decision         domain.RecommendationStatus
	Comment          string
}

// BulkDecisionCommand applies approval decisions.
type BulkDecisionCommand struct {
	TenantID  string
	CycleID   string
	ActorID   string
	Decisions []DecisionInput
}

// BulkDecisionResult counts applied decisions.
type BulkDecisionResult struct {
	Approved int
	Rejected int
	Errors   []ItemError
	Total    int
}

// ScheduleEscalationCommand schedules auto-escalation of pending approvals.
type ScheduleEscalationCommand struct {
	TenantID string
	CycleID  string
	ActorID  string
}

// ScheduleEscalationResult describes the scheduled job, if any.
type ScheduleEscalationResult struct {
	Scheduled int
	JobID     string
	RunAt     *time.Time
}

// EscalationPayload is the approval.escalate job payload.
type EscalationPayload struct {
	TenantID          string   `json:"tenantId"`
	CycleID           string   `json:"cycleId"`
	RecommendationIDs []string `json:"recommendationIds"`
	TriggeredBy       string   `json:"triggeredBy"`
}

// ExecuteEscalationCommand escalates the listed recommendations still pending.
type ExecuteEscalationCommand struct {
	TenantID          string
	CycleID           string
	RecommendationIDs []string
	TriggeredBy       string
}

// EscalationResult counts escalated recommendations.
type EscalationResult struct {
	Escalated int
	Skipped   int
	Total     int
}

// SendNudgeCommand reminds approvers of pending work.
type SendNudgeCommand struct {
	TenantID string
	CycleID  string
	ActorID  string
	Targets  []string
	Message  string
}

// NudgeResult lists who was nudged.
type NudgeResult struct {
	Nudged  int
	Targets []string
}

// CreateCalibrationSessionCommand opens a calibration session. RecommendationIDs takes
// precedence over Department and Level.
type CreateCalibrationSessionCommand struct {
	TenantID          string
	CycleID           string
	ActorID           string
	Name              string
	RecommendationIDs []string
	Department        string
	Level             string
	Metadata          map[string]any
}

// CalibrationLockCommand identifies the session whose participants are locked or unlocked.
type CalibrationLockCommand struct {
	TenantID  string
	SessionID string
	ActorID   string
}

// CalibrationOutcomeInput records a calibration decision for one participant.
type CalibrationOutcomeInput struct {
	AdjustedValue *decimal.Decimal
	Rank          *int
	Notes         string
}

// UpdateCalibrationSessionCommand records outcomes and optionally closes the session.
type UpdateCalibrationSessionCommand struct {
	TenantID  string
	SessionID string
	ActorID   string
	Outcomes  map[string]CalibrationOutcomeInput
	Status    *domain.CalibrationStatus
	Metadata  map[string]any
}

// MonitorQuery selects the cycle a detector runs against.
type MonitorQuery struct {
	TenantID     string
	CycleID      string
	ThresholdPct *float64
}

// MonitorRunCommand runs every detector for a cycle.
type MonitorRunCommand struct {
	TenantID string
	CycleID  string
	Trigger  string
}

// MonitorRunPayload is the monitor.run job payload.
type MonitorRunPayload struct {
	TenantID string `json:"tenantId"`
	CycleID  string `json:"cycleId"`
	Trigger  string `json:"trigger"`
}

// TriggerMonitorRunCommand requests an immediate monitor run.
type TriggerMonitorRunCommand struct {
	TenantID string
	CycleID  string
	ActorID  string
}

// ExportFormat selects the rendering of an exported summary.
type ExportFormat string

const (
	ExportFormatMarkdown ExportFormat = "md"
	ExportFormatHTML     ExportFormat = "html"
	ExportFormatXLSX     ExportFormat = "xlsx"
)

// ExportSummaryCommand renders and uploads the executive summary.
type ExportSummaryCommand struct {
	TenantID string
	CycleID  string
	ActorID  string
	Format   ExportFormat
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	TenantID              string
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

// AuditLogFilter narrows audit listings.
type AuditLogFilter struct {
	TenantID   string
	TargetRef  string
	Actor      string
	Action     string
	Since      *time.Time
	Pagination Pagination
}
