package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalibrationStatus enumerates calibration session states.
type CalibrationStatus string

const (
	CalibrationStatusActive    CalibrationStatus = "ACTIVE"
	CalibrationStatusCompleted CalibrationStatus = "COMPLETED"
	CalibrationStatusCancelled CalibrationStatus = "CANCELLED"
)

// IsClosed reports whether the session no longer accepts changes.
func (s CalibrationStatus) IsClosed() bool {
	return s == CalibrationStatusCompleted || s == CalibrationStatusCancelled
}

// CalibrationFilter records how the participants of a session were selected.
type CalibrationFilter struct {
	RecommendationIDs []string
	Department        string
	Level             string
}

// CalibrationParticipant is a point-in-time copy of a recommendation taken when the session opened.
type CalibrationParticipant struct {
	RecommendationID string
	EmployeeID       string
	EmployeeName     string
	Department       string
	Level            string
	RecType          RecommendationType
	CurrentValue     decimal.Decimal
	ProposedValue    decimal.Decimal
	OriginalStatus   RecommendationStatus
}

// CalibrationOutcome is the decision recorded for one participant.
type CalibrationOutcome struct {
	AdjustedValue *decimal.Decimal
	Rank          *int
	Notes         string
	RecordedAt    time.Time
	RecordedBy    string
}

// CalibrationSession groups recommendations for a joint review.
type CalibrationSession struct {
	ID           string
	TenantID     string
	CycleID      string
	Name         string
	Status       CalibrationStatus
	Filter       CalibrationFilter
	Participants []CalibrationParticipant
	Outcomes     map[string]CalibrationOutcome
	Metadata     map[string]any
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ParticipantIDs returns the recommendation IDs of all participants.
func (s CalibrationSession) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.RecommendationID)
	}
	return ids
}
