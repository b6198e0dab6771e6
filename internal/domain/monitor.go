package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType identifies which detector produced an alert.
type AlertType string

const (
	AlertTypeBudgetDrift     AlertType = "BUDGET_DRIFT"
	AlertTypePolicyViolation AlertType = "POLICY_VIOLATION"
	AlertTypeOutlier         AlertType = "OUTLIER"
)

// MonitorAlert is a detector finding projected to the notification sink.
type MonitorAlert struct {
	TenantID  string
	CycleID   string
	AlertType AlertType
	Severity  Severity
	Title     string
	Details   map[string]any
}

// DepartmentDrift is the spend drift of one department against its own allocation.
type DepartmentDrift struct {
	Department string
	Allocated  decimal.Decimal
	Spent      decimal.Decimal
	Remaining  decimal.Decimal
	DriftPct   float64
	Exceeded   bool
}

// BurnRate projects current spend linearly to the end of the cycle.
type BurnRate struct {
	DaysElapsed      int
	DaysRemaining    int
	TotalDays        int
	DailyBurnRate    decimal.Decimal
	ProjectedTotal   decimal.Decimal
	ProjectedOverage decimal.Decimal
}

// BudgetDriftResult is the output of the budget drift detector.
type BudgetDriftResult struct {
	CycleID         string
	BudgetTotal     decimal.Decimal
	TotalAllocated  decimal.Decimal
	TotalSpent      decimal.Decimal
	OverallDriftPct float64
	Exceeded        bool
	ThresholdPct    float64
	Departments     []DepartmentDrift
	BurnRate        BurnRate
	EvaluatedAt     time.Time
}

// ExceededDepartments returns the departments whose drift is over threshold.
func (r BudgetDriftResult) ExceededDepartments() []DepartmentDrift {
	var out []DepartmentDrift
	for _, d := range r.Departments {
		if d.Exceeded {
			out = append(out, d)
		}
	}
	return out
}

// ViolationType enumerates policy violation kinds.
type ViolationType string

const (
	ViolationBlockedByRule       ViolationType = "BLOCKED_BY_RULE"
	ViolationUnapprovedException ViolationType = "UNAPPROVED_EXCEPTION"
	ViolationExceedsCap          ViolationType = "EXCEEDS_CAP"
	ViolationBelowFloor          ViolationType = "BELOW_FLOOR"
	ViolationExceedsBudget       ViolationType = "EXCEEDS_BUDGET"
)

// PolicyViolation is one rule breach found on a recommendation.
type PolicyViolation struct {
	RecommendationID string
	EmployeeID       string
	EmployeeName     string
	Department       string
	Type             ViolationType
	Severity         Severity
	RuleSetID        string
	RuleSetName      string
	RuleID           string
	RuleName         string
	Message          string
	Limit            *decimal.Decimal
	Actual           *decimal.Decimal
}

// PolicyViolationResult is the output of the policy violation detector.
type PolicyViolationResult struct {
	CycleID                string
	RuleSetsEvaluated      int
	RecommendationsChecked int
	Violations             []PolicyViolation
	BySeverity             map[Severity]int
	ByType                 map[ViolationType]int
	EvaluationErrors       []string
	EvaluatedAt            time.Time
}

// CriticalCount returns the number of CRITICAL violations.
func (r PolicyViolationResult) CriticalCount() int {
	return r.BySeverity[SeverityCritical]
}

// OutlierType enumerates outlier categories.
type OutlierType string

const (
	OutlierStatistical OutlierType = "STATISTICAL_OUTLIER"
	OutlierLargeYoY    OutlierType = "LARGE_YOY_CHANGE"
	OutlierInversion   OutlierType = "INVERSION_RISK"
	OutlierCompression OutlierType = "COMPRESSION_RISK"
)

// Outlier is one unusual recommendation or recommendation pair.
type Outlier struct {
	RecommendationID        string
	RelatedRecommendationID string
	EmployeeID              string
	EmployeeName            string
	Department              string
	Level                   string
	Type                    OutlierType
	Severity                Severity
	ChangePct               float64
	ZScore                  float64
	CohortMean              float64
	CohortStdDev            float64
	CohortSize              int
	Message                 string
}

// OutlierResult is the output of the outlier detector.
type OutlierResult struct {
	CycleID         string
	CohortsAnalyzed int
	Outliers        []Outlier
	ByType          map[OutlierType]int
	BySeverity      map[Severity]int
	EvaluatedAt     time.Time
}

// CycleProgress summarises how far approvals have come.
type CycleProgress struct {
	Total         int
	ByStatus      map[RecommendationStatus]int
	Locked        int
	Approved      int
	CompletionPct float64
	DaysElapsed   int
	DaysRemaining int
	TotalDays     int
}

// ExecutiveSummary combines all monitors into a single briefing.
type ExecutiveSummary struct {
	CycleID     string
	CycleName   string
	Status      CycleStatus
	Currency    string
	Progress    CycleProgress
	Budget      BudgetDriftResult
	Policy      PolicyViolationResult
	Outliers    OutlierResult
	Blockers    []string
	ActionItems []string
	Markdown    string
	GeneratedAt time.Time
}
