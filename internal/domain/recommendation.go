package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecommendationStatus enumerates approval states of a recommendation.
type RecommendationStatus string

const (
	RecommendationStatusDraft     RecommendationStatus = "DRAFT"
	RecommendationStatusSubmitted RecommendationStatus = "SUBMITTED"
	RecommendationStatusApproved  RecommendationStatus = "APPROVED"
	RecommendationStatusRejected  RecommendationStatus = "REJECTED"
	RecommendationStatusEscalated RecommendationStatus = "ESCALATED"
)

// AllRecommendationStatuses lists statuses in workflow order.
var AllRecommendationStatuses = []RecommendationStatus{
	RecommendationStatusDraft,
	RecommendationStatusSubmitted,
	RecommendationStatusEscalated,
	RecommendationStatusApproved,
	RecommendationStatusRejected,
}

// Decidable reports whether an approver may approve or reject from this status.
func (s RecommendationStatus) Decidable() bool {
	return s == RecommendationStatusSubmitted || s == RecommendationStatusEscalated
}

// RecommendationType categorises the compensation element being proposed.
type RecommendationType string

const (
	RecommendationTypeMerit      RecommendationType = "MERIT_INCREASE"
	RecommendationTypeBonus      RecommendationType = "BONUS"
	RecommendationTypeLTI        RecommendationType = "LTI_GRANT"
	RecommendationTypePromotion  RecommendationType = "PROMOTION"
	RecommendationTypeAdjustment RecommendationType = "MARKET_ADJUSTMENT"
)

// Valid reports whether the type is supported.
func (t RecommendationType) Valid() bool {
	switch t {
	case RecommendationTypeMerit, RecommendationTypeBonus, RecommendationTypeLTI,
		RecommendationTypePromotion, RecommendationTypeAdjustment:
		return true
	}
	return false
}

// Recommendation is one proposed compensation change for an employee in a cycle.
type Recommendation struct {
	ID              string
	TenantID        string
	CycleID         string
	EmployeeID      string
	Employee        EmployeeSnapshot
	RecType         RecommendationType
	CurrentValue    decimal.Decimal
	ProposedValue   decimal.Decimal
	Justification   string
	Status          RecommendationStatus
	ApproverUserID  string
	ApprovedAt      *time.Time
	Locked          bool
	LockedBySession string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Delta returns proposed minus current.
func (r Recommendation) Delta() decimal.Decimal {
	return r.ProposedValue.Sub(r.CurrentValue)
}

// ChangePct returns the percentage change from current to proposed. ok is false when the
// current value is not positive.
func (r Recommendation) ChangePct() (pct float64, ok bool) {
	if !r.CurrentValue.IsPositive() {
		return 0, false
	}
	return r.Delta().Div(r.CurrentValue).Mul(decimal.NewFromInt(100)).InexactFloat64(), true
}

// EmployeeSnapshot is the employee data captured onto a recommendation at import time.
type EmployeeSnapshot struct {
	ID                string
	Name              string
	Email             string
	Department        string
	Level             string
	JobFamily         string
	Location          string
	ManagerID         string
	HireDate          *time.Time
	PerformanceRating string
	Attributes        map[string]any
}

// Employee is a directory entry in the tenant's HR system of record.
type Employee struct {
	EmployeeSnapshot
	TenantID string
	Active   bool
}
