package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meritflow/compcycle/internal/domain"
	pfirestore "github.com/meritflow/compcycle/internal/platform/firestore"
	"github.com/meritflow/compcycle/internal/platform/pagination"
	"github.com/meritflow/compcycle/internal/repositories"
)

type recommendationDocument struct {
	TenantID        string           `firestore:"tenantId"`
	CycleID         string           `firestore:"cycleId"`
	EmployeeID      string           `firestore:"employeeId"`
	Employee        employeeDocument `firestore:"employee"`
	DepartmentKey   string           `firestore:"departmentKey"`
	LevelKey        string           `firestore:"levelKey"`
	RecType         string           `firestore:"recType"`
	CurrentValue    string           `firestore:"currentValue"`
	ProposedValue   string           `firestore:"proposedValue"`
	Justification   string           `firestore:"justification,omitempty"`
	Status          string           `firestore:"status"`
	ApproverUserID  string           `firestore:"approverUserId,omitempty"`
	ApprovedAt      *time.Time       `firestore:"approvedAt,omitempty"`
	Locked          bool             `firestore:"locked"`
	LockedBySession string           `firestore:"lockedBySession,omitempty"`
	CreatedAt       time.Time        `firestore:"createdAt"`
	UpdatedAt       time.Time        `firestore:"updatedAt"`
}

// RecommendationRepository implements repositories.RecommendationRepository.
type RecommendationRepository struct {
	base *pfirestore.BaseRepository[domain.Recommendation]
}

var _ repositories.RecommendationRepository = (*RecommendationRepository)(nil)

// NewRecommendationRepository constructs a Firestore-backed recommendation repository.
func NewRecommendationRepository(provider *pfirestore.Provider) (*RecommendationRepository, error) {
	if provider == nil {
		return nil, errors.New("recommendation repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Recommendation](provider, recommendationsCollection,
		func(rec domain.Recommendation) (any, error) { return encodeRecommendation(rec), nil },
		func(snap *firestore.DocumentSnapshot) (domain.Recommendation, error) {
			var doc recommendationDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.Recommendation{}, err
			}
			return decodeRecommendation(snap.Ref.ID, doc)
		})
	return &RecommendationRepository{base: base}, nil
}

func (r *RecommendationRepository) FindByID(ctx context.Context, recommendationID string) (domain.Recommendation, error) {
	if r == nil || r.base == nil {
		return domain.Recommendation{}, errNotInitialised
	}
	doc, err := r.base.Get(ctx, recommendationID)
	if err != nil {
		return domain.Recommendation{}, err
	}
	return doc.Data, nil
}

func (r *RecommendationRepository) FindByIDs(ctx context.Context, ids []string) (map[string]domain.Recommendation, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	docs, err := r.base.GetAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Recommendation, len(docs))
	for _, doc := range docs {
		out[doc.ID] = doc.Data
	}
	return out, nil
}

func (r *RecommendationRepository) List(ctx context.Context, filter repositories.RecommendationFilter) ([]domain.Recommendation, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return applyRecommendationFilter(q, filter)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Recommendation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RecommendationRepository) Page(ctx context.Context, filter repositories.RecommendationFilter, pager domain.Pagination) (domain.CursorPage[domain.Recommendation], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Recommendation]{}, errNotInitialised
	}
	limit := pager.PageSize
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Recommendation]{}, err
	}
	if cursor.AfterTime != nil || cursor.Offset != 0 {
		return domain.CursorPage[domain.Recommendation]{}, fmt.Errorf("%w: cursor does not match an id-ordered listing", pagination.ErrInvalidPageToken)
	}
	startAfter := cursor.AfterID

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = applyRecommendationFilter(q, filter).OrderBy(firestore.DocumentID, firestore.Asc)
		if startAfter != "" {
			q = q.StartAfter(startAfter)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Recommendation]{}, err
	}

	page := domain.CursorPage[domain.Recommendation]{}
	if len(docs) > limit {
		docs = docs[:limit]
		page.NextPageToken, err = pagination.EncodeToken(pagination.AfterID(docs[len(docs)-1].ID))
		if err != nil {
			return domain.CursorPage[domain.Recommendation]{}, err
		}
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

func (r *RecommendationRepository) Count(ctx context.Context, cycleID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errNotInitialised
	}
	return r.base.Count(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("cycleId", "==", cycleID)
	})
}

func (r *RecommendationRepository) SaveAll(ctx context.Context, recs []domain.Recommendation) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	items := make([]pfirestore.Keyed[domain.Recommendation], 0, len(recs))
	for _, rec := range recs {
		items = append(items, pfirestore.Keyed[domain.Recommendation]{ID: rec.ID, Value: rec})
	}
	return r.base.SetAll(ctx, items)
}

func applyRecommendationFilter(q firestore.Query, filter repositories.RecommendationFilter) firestore.Query {
	if filter.CycleID != "" {
		q = q.Where("cycleId", "==", filter.CycleID)
	}
	if len(filter.Statuses) == 1 {
		q = q.Where("status", "==", string(filter.Statuses[0]))
	} else if len(filter.Statuses) > 1 {
		values := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			values = append(values, string(status))
		}
		q = q.Where("status", "in", values)
	}
	if filter.Department != "" {
		q = q.Where("departmentKey", "==", domain.LabelKey(filter.Department))
	}
	if filter.Level != "" {
		q = q.Where("levelKey", "==", domain.LabelKey(filter.Level))
	}
	return q
}

func encodeRecommendation(rec domain.Recommendation) recommendationDocument {
	return recommendationDocument{
		TenantID:        rec.TenantID,
		CycleID:         rec.CycleID,
		EmployeeID:      rec.EmployeeID,
		Employee:        encodeEmployeeSnapshot(rec.Employee),
		DepartmentKey:   domain.LabelKey(rec.Employee.Department),
		LevelKey:        domain.LabelKey(rec.Employee.Level),
		RecType:         string(rec.RecType),
		CurrentValue:    encodeMoney(rec.CurrentValue),
		ProposedValue:   encodeMoney(rec.ProposedValue),
		Justification:   rec.Justification,
		Status:          string(rec.Status),
		ApproverUserID:  rec.ApproverUserID,
		ApprovedAt:      normalizeTimePointer(rec.ApprovedAt),
		Locked:          rec.Locked,
		LockedBySession: rec.LockedBySession,
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}
}

func decodeRecommendation(id string, doc recommendationDocument) (domain.Recommendation, error) {
	current, err := decodeMoney(doc.CurrentValue)
	if err != nil {
		return domain.Recommendation{}, err
	}
	proposed, err := decodeMoney(doc.ProposedValue)
	if err != nil {
		return domain.Recommendation{}, err
	}
	return domain.Recommendation{
		ID:              id,
		TenantID:        doc.TenantID,
		CycleID:         doc.CycleID,
		EmployeeID:      doc.EmployeeID,
		Employee:        decodeEmployeeSnapshot(doc.Employee),
		RecType:         domain.RecommendationType(doc.RecType),
		CurrentValue:    current,
		ProposedValue:   proposed,
		Justification:   doc.Justification,
		Status:          domain.RecommendationStatus(doc.Status),
		ApproverUserID:  doc.ApproverUserID,
		ApprovedAt:      normalizeTimePointer(doc.ApprovedAt),
		Locked:          doc.Locked,
		LockedBySession: doc.LockedBySession,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}, nil
}
