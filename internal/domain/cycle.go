package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus enumerates the lifecycle states of a compensation cycle.
type CycleStatus string

const (
	CycleStatusDraft       CycleStatus = "DRAFT"
	CycleStatusPlanning    CycleStatus = "PLANNING"
	CycleStatusActive      CycleStatus = "ACTIVE"
	CycleStatusCalibration CycleStatus = "CALIBRATION"
	CycleStatusApproval    CycleStatus = "APPROVAL"
	CycleStatusCompleted   CycleStatus = "COMPLETED"
	CycleStatusCancelled   CycleStatus = "CANCELLED"
)

// AllCycleStatuses lists every lifecycle state in lifecycle order.
var AllCycleStatuses = []CycleStatus{
	CycleStatusDraft,
	CycleStatusPlanning,
	CycleStatusActive,
	CycleStatusCalibration,
	CycleStatusApproval,
	CycleStatusCompleted,
	CycleStatusCancelled,
}

// MonitoredCycleStatuses are the states in which periodic monitors run.
var MonitoredCycleStatuses = []CycleStatus{
	CycleStatusActive,
	CycleStatusCalibration,
	CycleStatusApproval,
}

// IsTerminal reports whether no further transitions are possible.
func (s CycleStatus) IsTerminal() bool {
	return s == CycleStatusCompleted || s == CycleStatusCancelled
}

// Valid reports whether the status is a known lifecycle state.
func (s CycleStatus) Valid() bool {
	for _, candidate := range AllCycleStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CycleType categorises what a cycle reviews.
type CycleType string

const (
	CycleTypeMerit    CycleType = "MERIT"
	CycleTypeBonus    CycleType = "BONUS"
	CycleTypeLTI      CycleType = "LTI"
	CycleTypeCombined CycleType = "COMBINED"
)

// Valid reports whether the type is supported.
func (t CycleType) Valid() bool {
	switch t {
	case CycleTypeMerit, CycleTypeBonus, CycleTypeLTI, CycleTypeCombined:
		return true
	}
	return false
}

// Cycle is a single compensation review cycle for a tenant.
type Cycle struct {
	ID          string
	TenantID    string
	Name        string
	CycleType   CycleType
	Status      CycleStatus
	BudgetTotal decimal.Decimal
	Currency    string
	StartDate   time.Time
	EndDate     time.Time
	Settings    CycleSettings
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CycleSettings holds the structured, merge-only settings of a cycle.
type CycleSettings struct {
	ApprovalChain     []Role
	EscalationDelayMs *int64
	DriftThresholdPct *float64
	LastTransition    *TransitionRecord
	TransitionHistory []TransitionRecord
	LastMonitorRun    *MonitorRunRecord
	MonitorHistory    []MonitorRunRecord
	// Extra preserves keys written by other components that this service does not model.
	Extra map[string]any
}

// TransitionRecord captures one status change of a cycle.
type TransitionRecord struct {
	From   CycleStatus
	To     CycleStatus
	Reason string
	Actor  string
	At     time.Time
}

// MaxMonitorHistory bounds the rolling monitor history kept on a cycle.
const MaxMonitorHistory = 9

// MonitorRunRecord summarises one monitor run for a cycle.
type MonitorRunRecord struct {
	RunID            string
	Trigger          string
	StartedAt        time.Time
	CompletedAt      time.Time
	OverallDriftPct  float64
	DriftExceeded    bool
	DepartmentsOver  int
	Violations       int
	CriticalFindings int
	Outliers         int
	AlertsCreated    int
	Errors           []string
}

// AppendMonitorRun sets the latest run and keeps only the newest MaxMonitorHistory entries.
func (s *CycleSettings) AppendMonitorRun(run MonitorRunRecord) {
	record := run
	s.LastMonitorRun = &record
	history := append(append([]MonitorRunRecord(nil), s.MonitorHistory...), run)
	if len(history) > MaxMonitorHistory {
		history = history[len(history)-MaxMonitorHistory:]
	}
	s.MonitorHistory = history
}

// AppendTransition records a transition without discarding earlier ones.
func (s *CycleSettings) AppendTransition(record TransitionRecord) {
	latest := record
	s.LastTransition = &latest
	s.TransitionHistory = append(append([]TransitionRecord(nil), s.TransitionHistory...), record)
}
