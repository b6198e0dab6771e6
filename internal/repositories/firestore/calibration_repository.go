package firestore

import (
	"context"
	"errors"
	"sort"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meritflow/compcycle/internal/domain"
	pfirestore "github.com/meritflow/compcycle/internal/platform/firestore"
	"github.com/meritflow/compcycle/internal/repositories"
)

type calibrationSessionDocument struct {
	TenantID     string                     `firestore:"tenantId"`
	CycleID      string                     `firestore:"cycleId"`
	Name         string                     `firestore:"name"`
	Status       string                     `firestore:"status"`
	Filter       calibrationFilterDocument  `firestore:"filter"`
	Participants []participantDocument      `firestore:"participants"`
	Outcomes     map[string]outcomeDocument `firestore:"outcomes"`
	Metadata     map[string]any             `firestore:"metadata,omitempty"`
	CreatedBy    string                     `firestore:"createdBy"`
	CreatedAt    time.Time                  `firestore:"createdAt"`
	UpdatedAt    time.Time                  `firestore:"updatedAt"`
	CompletedAt  *time.Time                 `firestore:"completedAt,omitempty"`
}

type calibrationFilterDocument struct {
	RecommendationIDs []string `firestore:"recommendationIds,omitempty"`
	Department        string   `firestore:"department,omitempty"`
	Level             string   `firestore:"level,omitempty"`
}

type participantDocument struct {
	RecommendationID string `firestore:"recommendationId"`
	EmployeeID       string `firestore:"employeeId"`
	EmployeeName     string `firestore:"employeeName,omitempty"`
	Department       string `firestore:"department,omitempty"`
	Level            string `firestore:"level,omitempty"`
	RecType          string `firestore:"recType"`
	CurrentValue     string `firestore:"currentValue"`
	ProposedValue    string `firestore:"proposedValue"`
	OriginalStatus   string `firestore:"originalStatus"`
}

type outcomeDocument struct {
	AdjustedValue *string   `firestore:"adjustedValue,omitempty"`
	Rank          *int      `firestore:"rank,omitempty"`
	Notes         string    `firestore:"notes,omitempty"`
	RecordedAt    time.Time `firestore:"recordedAt"`
	RecordedBy    string    `firestore:"recordedBy"`
}

// CalibrationSessionRepository implements repositories.CalibrationSessionRepository.
type CalibrationSessionRepository struct {
	base *pfirestore.BaseRepository[domain.CalibrationSession]
}

var _ repositories.CalibrationSessionRepository = (*CalibrationSessionRepository)(nil)

// NewCalibrationSessionRepository constructs a Firestore-backed calibration session repository.
func NewCalibrationSessionRepository(provider *pfirestore.Provider) (*CalibrationSessionRepository, error) {
	if provider == nil {
		return nil, errors.New("calibration session repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.CalibrationSession](provider, sessionsCollection,
		func(s domain.CalibrationSession) (any, error) { return encodeSession(s), nil },
		func(snap *firestore.DocumentSnapshot) (domain.CalibrationSession, error) {
			var doc calibrationSessionDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.CalibrationSession{}, err
			}
			return decodeSession(snap.Ref.ID, doc)
		})
	return &CalibrationSessionRepository{base: base}, nil
}

func (r *CalibrationSessionRepository) Insert(ctx context.Context, session domain.CalibrationSession) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	return r.base.Create(ctx, session.ID, session)
}

func (r *CalibrationSessionRepository) FindByID(ctx context.Context, sessionID string) (domain.CalibrationSession, error) {
	if r == nil || r.base == nil {
		return domain.CalibrationSession{}, errNotInitialised
	}
	doc, err := r.base.Get(ctx, sessionID)
	if err != nil {
		return domain.CalibrationSession{}, err
	}
	return doc.Data, nil
}

func (r *CalibrationSessionRepository) Update(ctx context.Context, session domain.CalibrationSession) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	return r.base.Set(ctx, session.ID, session)
}

func (r *CalibrationSessionRepository) ListByCycle(ctx context.Context, cycleID string) ([]domain.CalibrationSession, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("cycleId", "==", cycleID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CalibrationSession, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func encodeSession(s domain.CalibrationSession) calibrationSessionDocument {
	doc := calibrationSessionDocument{
		TenantID: s.TenantID,
		CycleID:  s.CycleID,
		Name:     s.Name,
		Status:   string(s.Status),
		Filter: calibrationFilterDocument{
			RecommendationIDs: append([]string(nil), s.Filter.RecommendationIDs...),
			Department:        s.Filter.Department,
			Level:             s.Filter.Level,
		},
		Participants: make([]participantDocument, 0, len(s.Participants)),
		Outcomes:     make(map[string]outcomeDocument, len(s.Outcomes)),
		Metadata:     cloneMap(s.Metadata),
		CreatedBy:    s.CreatedBy,
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
		CompletedAt:  normalizeTimePointer(s.CompletedAt),
	}
	for _, p := range s.Participants {
		doc.Participants = append(doc.Participants, participantDocument{
			RecommendationID: p.RecommendationID,
			EmployeeID:       p.EmployeeID,
			EmployeeName:     p.EmployeeName,
			Department:       p.Department,
			Level:            p.Level,
			RecType:          string(p.RecType),
			CurrentValue:     encodeMoney(p.CurrentValue),
			ProposedValue:    encodeMoney(p.ProposedValue),
			OriginalStatus:   string(p.OriginalStatus),
		})
	}
	for id, outcome := range s.Outcomes {
		doc.Outcomes[id] = outcomeDocument{
			AdjustedValue: encodeMoneyPtr(outcome.AdjustedValue),
			Rank:          outcome.Rank,
			Notes:         outcome.Notes,
			RecordedAt:    outcome.RecordedAt.UTC(),
			RecordedBy:    outcome.RecordedBy,
		}
	}
	return doc
}

func decodeSession(id string, doc calibrationSessionDocument) (domain.CalibrationSession, error) {
	session := domain.CalibrationSession{
		ID:       id,
		TenantID: doc.TenantID,
		CycleID:  doc.CycleID,
		Name:     doc.Name,
		Status:   domain.CalibrationStatus(doc.Status),
		Filter: domain.CalibrationFilter{
			RecommendationIDs: append([]string(nil), doc.Filter.RecommendationIDs...),
			Department:        doc.Filter.Department,
			Level:             doc.Filter.Level,
		},
		Participants: make([]domain.CalibrationParticipant, 0, len(doc.Participants)),
		Outcomes:     make(map[string]domain.CalibrationOutcome, len(doc.Outcomes)),
		Metadata:     cloneMap(doc.Metadata),
		CreatedBy:    doc.CreatedBy,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		CompletedAt:  normalizeTimePointer(doc.CompletedAt),
	}
	for _, p := range doc.Participants {
		current, err := decodeMoney(p.CurrentValue)
		if err != nil {
			return domain.CalibrationSession{}, err
		}
		proposed, err := decodeMoney(p.ProposedValue)
		if err != nil {
			return domain.CalibrationSession{}, err
		}
		session.Participants = append(session.Participants, domain.CalibrationParticipant{
			RecommendationID: p.RecommendationID,
			EmployeeID:       p.EmployeeID,
			EmployeeName:     p.EmployeeName,
			Department:       p.Department,
			Level:            p.Level,
			RecType:          domain.RecommendationType(p.RecType),
			CurrentValue:     current,
			ProposedValue:    proposed,
			OriginalStatus:   domain.RecommendationStatus(p.OriginalStatus),
		})
	}
	for recID, outcome := range doc.Outcomes {
		adjusted, err := decodeMoneyPtr(outcome.AdjustedValue)
		if err != nil {
			return domain.CalibrationSession{}, err
		}
		session.Outcomes[recID] = domain.CalibrationOutcome{
			AdjustedValue: adjusted,
			Rank:          outcome.Rank,
			Notes:         outcome.Notes,
			RecordedAt:    outcome.RecordedAt.UTC(),
			RecordedBy:    outcome.RecordedBy,
		}
	}
	return session, nil
}
