package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meritflow/compcycle/internal/domain"
	pfirestore "github.com/meritflow/compcycle/internal/platform/firestore"
	"github.com/meritflow/compcycle/internal/repositories"
)

type cycleDocument struct {
	TenantID    string                `firestore:"tenantId"`
	Name        string                `firestore:"name"`
	CycleType   string                `firestore:"cycleType"`
	Status      string                `firestore:"status"`
	BudgetTotal string                `firestore:"budgetTotal"`
	Currency    string                `firestore:"currency"`
	StartDate   time.Time             `firestore:"startDate"`
	EndDate     time.Time             `firestore:"endDate"`
	Settings    cycleSettingsDocument `firestore:"settings"`
	CreatedBy   string                `firestore:"createdBy"`
	CreatedAt   time.Time             `firestore:"createdAt"`
	UpdatedAt   time.Time             `firestore:"updatedAt"`
}

type cycleSettingsDocument struct {
	ApprovalChain     []string             `firestore:"approvalChain,omitempty"`
	EscalationDelayMs *int64               `firestore:"escalationDelayMs,omitempty"`
	DriftThresholdPct *float64             `firestore:"driftThresholdPct,omitempty"`
	LastTransition    *transitionDocument  `firestore:"lastTransition,omitempty"`
	TransitionHistory []transitionDocument `firestore:"transitionHistory,omitempty"`
	LastMonitorRun    *monitorRunDocument  `firestore:"lastMonitorRun,omitempty"`
	MonitorHistory    []monitorRunDocument `firestore:"monitorHistory,omitempty"`
	Extra             map[string]any       `firestore:"extra,omitempty"`
}

type transitionDocument struct {
	From   string    `firestore:"from"`
	To     string    `firestore:"to"`
	Reason string    `firestore:"reason,omitempty"`
	Actor  string    `firestore:"actor"`
	At     time.Time `firestore:"at"`
}

type monitorRunDocument struct {
	RunID            string    `firestore:"runId"`
	Trigger          string    `firestore:"trigger"`
	StartedAt        time.Time `firestore:"startedAt"`
	CompletedAt      time.Time `firestore:"completedAt"`
	OverallDriftPct  float64   `firestore:"overallDriftPct"`
	DriftExceeded    bool      `firestore:"driftExceeded"`
	DepartmentsOver  int       `firestore:"departmentsOver"`
	Violations       int       `firestore:"violations"`
	CriticalFindings int       `firestore:"criticalFindings"`
	Outliers         int       `firestore:"outliers"`
	AlertsCreated    int       `firestore:"alertsCreated"`
	Errors           []string  `firestore:"errors,omitempty"`
}

// CycleRepository implements repositories.CycleRepository.
type CycleRepository struct {
	base *pfirestore.BaseRepository[domain.Cycle]
}

var _ repositories.CycleRepository = (*CycleRepository)(nil)

// NewCycleRepository constructs a Firestore-backed cycle repository.
func NewCycleRepository(provider *pfirestore.Provider) (*CycleRepository, error) {
	if provider == nil {
		return nil, errors.New("cycle repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Cycle](provider, cyclesCollection,
		func(c domain.Cycle) (any, error) { return encodeCycle(c), nil },
		func(snap *firestore.DocumentSnapshot) (domain.Cycle, error) {
			var doc cycleDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.Cycle{}, err
			}
			return decodeCycle(snap.Ref.ID, doc)
		})
	return &CycleRepository{base: base}, nil
}

func (r *CycleRepository) Insert(ctx context.Context, cycle domain.Cycle) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	return r.base.Create(ctx, cycle.ID, cycle)
}

func (r *CycleRepository) FindByID(ctx context.Context, cycleID string) (domain.Cycle, error) {
	if r == nil || r.base == nil {
		return domain.Cycle{}, errNotInitialised
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(cycleID))
	if err != nil {
		return domain.Cycle{}, err
	}
	return doc.Data, nil
}

func (r *CycleRepository) Update(ctx context.Context, cycle domain.Cycle) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	return r.base.Set(ctx, cycle.ID, cycle)
}

func (r *CycleRepository) List(ctx context.Context, filter repositories.CycleFilter) (domain.CursorPage[domain.Cycle], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Cycle]{}, errNotInitialised
	}
	limit, startAfter, err := pageWindow(filter.Pagination)
	if err != nil {
		return domain.CursorPage[domain.Cycle]{}, err
	}
	statuses := statusStrings(filter.Statuses)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if tenant := strings.TrimSpace(filter.TenantID); tenant != "" {
			q = q.Where("tenantId", "==", tenant)
		}
		if len(statuses) > 0 {
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Cycle]{}, err
	}

	page := domain.CursorPage[domain.Cycle]{}
	if len(docs) > limit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		page.NextPageToken, err = nextPageToken(last.Data.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Cycle]{}, err
		}
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

func (r *CycleRepository) ListByStatus(ctx context.Context, statuses []domain.CycleStatus) ([]domain.Cycle, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	values := statusStrings(statuses)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(values) > 0 {
			q = q.Where("status", "in", values)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Cycle, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	return out, nil
}

func statusStrings(statuses []domain.CycleStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func encodeCycle(c domain.Cycle) cycleDocument {
	settings := cycleSettingsDocument{
		EscalationDelayMs: c.Settings.EscalationDelayMs,
		DriftThresholdPct: c.Settings.DriftThresholdPct,
		Extra:             cloneMap(c.Settings.Extra),
	}
	for _, role := range c.Settings.ApprovalChain {
		settings.ApprovalChain = append(settings.ApprovalChain, string(role))
	}
	if c.Settings.LastTransition != nil {
		doc := encodeTransition(*c.Settings.LastTransition)
		settings.LastTransition = &doc
	}
	for _, record := range c.Settings.TransitionHistory {
		settings.TransitionHistory = append(settings.TransitionHistory, encodeTransition(record))
	}
	if c.Settings.LastMonitorRun != nil {
		doc := monitorRunDocument(*c.Settings.LastMonitorRun)
		settings.LastMonitorRun = &doc
	}
	for _, run := range c.Settings.MonitorHistory {
		settings.MonitorHistory = append(settings.MonitorHistory, monitorRunDocument(run))
	}

	return cycleDocument{
		TenantID:    c.TenantID,
		Name:        c.Name,
		CycleType:   string(c.CycleType),
		Status:      string(c.Status),
		BudgetTotal: encodeMoney(c.BudgetTotal),
		Currency:    c.Currency,
		StartDate:   c.StartDate.UTC(),
		EndDate:     c.EndDate.UTC(),
		Settings:    settings,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt.UTC(),
		UpdatedAt:   c.UpdatedAt.UTC(),
	}
}

func decodeCycle(id string, doc cycleDocument) (domain.Cycle, error) {
	total, err := decodeMoney(doc.BudgetTotal)
	if err != nil {
		return domain.Cycle{}, err
	}
	settings := domain.CycleSettings{
		EscalationDelayMs: doc.Settings.EscalationDelayMs,
		DriftThresholdPct: doc.Settings.DriftThresholdPct,
		Extra:             cloneMap(doc.Settings.Extra),
	}
	for _, role := range doc.Settings.ApprovalChain {
		settings.ApprovalChain = append(settings.ApprovalChain, domain.Role(role))
	}
	if doc.Settings.LastTransition != nil {
		record := decodeTransition(*doc.Settings.LastTransition)
		settings.LastTransition = &record
	}
	for _, record := range doc.Settings.TransitionHistory {
		settings.TransitionHistory = append(settings.TransitionHistory, decodeTransition(record))
	}
	if doc.Settings.LastMonitorRun != nil {
		run := domain.MonitorRunRecord(*doc.Settings.LastMonitorRun)
		settings.LastMonitorRun = &run
	}
	for _, run := range doc.Settings.MonitorHistory {
		settings.MonitorHistory = append(settings.MonitorHistory, domain.MonitorRunRecord(run))
	}

	return domain.Cycle{
		ID:          id,
		TenantID:    doc.TenantID,
		Name:        doc.Name,
		CycleType:   domain.CycleType(doc.CycleType),
		Status:      domain.CycleStatus(doc.Status),
		BudgetTotal: total,
		Currency:    doc.Currency,
		StartDate:   doc.StartDate.UTC(),
		EndDate:     doc.EndDate.UTC(),
		Settings:    settings,
		CreatedBy:   doc.CreatedBy,
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}, nil
}

func encodeTransition(record domain.TransitionRecord) transitionDocument {
	return transitionDocument{
		From:   string(record.From),
		To:     string(record.To),
		Reason: record.Reason,
		Actor:  record.Actor,
		At:     record.At.UTC(),
	}
}

func decodeTransition(doc transitionDocument) domain.TransitionRecord {
	return domain.TransitionRecord{
		From:   domain.CycleStatus(doc.From),
		To:     domain.CycleStatus(doc.To),
		Reason: doc.Reason,
		Actor:  doc.Actor,
		At:     doc.At.UTC(),
	}
}

type budgetDocument struct {
	TenantID    string    `firestore:"tenantId"`
	CycleID     string    `firestore:"cycleId"`
	Department  string    `firestore:"department"`
	ManagerID   string    `firestore:"managerId,omitempty"`
	Allocated   string    `firestore:"allocated"`
	Spent       string    `firestore:"spent"`
	Remaining   string    `firestore:"remaining"`
	DriftPct    float64   `firestore:"driftPct"`
	Source      string    `firestore:"source"`
	RequestedBy string    `firestore:"requestedBy,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// BudgetRepository implements repositories.BudgetRepository.
type BudgetRepository struct {
	base *pfirestore.BaseRepository[domain.Budget]
}

var _ repositories.BudgetRepository = (*BudgetRepository)(nil)

// NewBudgetRepository constructs a Firestore-backed budget ledger repository.
func NewBudgetRepository(provider *pfirestore.Provider) (*BudgetRepository, error) {
	if provider == nil {
		return nil, errors.New("budget repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Budget](provider, budgetsCollection,
		func(b domain.Budget) (any, error) {
			return budgetDocument{
				TenantID:    b.TenantID,
				CycleID:     b.CycleID,
				Department:  b.Department,
				ManagerID:   b.ManagerID,
				Allocated:   encodeMoney(b.Allocated),
				Spent:       encodeMoney(b.Spent),
				Remaining:   encodeMoney(b.Remaining),
				DriftPct:    b.DriftPct,
				Source:      string(b.Source),
				RequestedBy: b.RequestedBy,
				CreatedAt:   b.CreatedAt.UTC(),
				UpdatedAt:   b.UpdatedAt.UTC(),
			}, nil
		},
		func(snap *firestore.DocumentSnapshot) (domain.Budget, error) {
			var doc budgetDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.Budget{}, err
			}
			allocated, err := decodeMoney(doc.Allocated)
			if err != nil {
				return domain.Budget{}, err
			}
			spent, err := decodeMoney(doc.Spent)
			if err != nil {
				return domain.Budget{}, err
			}
			remaining, err := decodeMoney(doc.Remaining)
			if err != nil {
				return domain.Budget{}, err
			}
			return domain.Budget{
				ID:          snap.Ref.ID,
				TenantID:    doc.TenantID,
				CycleID:     doc.CycleID,
				Department:  doc.Department,
				ManagerID:   doc.ManagerID,
				Allocated:   allocated,
				Spent:       spent,
				Remaining:   remaining,
				DriftPct:    doc.DriftPct,
				Source:      domain.BudgetSource(doc.Source),
				RequestedBy: doc.RequestedBy,
				CreatedAt:   chooseTime(doc.CreatedAt, snap.CreateTime),
				UpdatedAt:   chooseTime(doc.UpdatedAt, snap.UpdateTime),
			}, nil
		})
	return &BudgetRepository{base: base}, nil
}

func (r *BudgetRepository) ListByCycle(ctx context.Context, cycleID string) ([]domain.Budget, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("cycleId", "==", cycleID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Budget, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Department == out[j].Department {
			return out[i].ManagerID < out[j].ManagerID
		}
		return out[i].Department < out[j].Department
	})
	return out, nil
}

func (r *BudgetRepository) FindByID(ctx context.Context, budgetID string) (domain.Budget, error) {
	if r == nil || r.base == nil {
		return domain.Budget{}, errNotInitialised
	}
	doc, err := r.base.Get(ctx, budgetID)
	if err != nil {
		return domain.Budget{}, err
	}
	return doc.Data, nil
}

func (r *BudgetRepository) SaveAll(ctx context.Context, budgets []domain.Budget) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	items := make([]pfirestore.Keyed[domain.Budget], 0, len(budgets))
	for _, b := range budgets {
		items = append(items, pfirestore.Keyed[domain.Budget]{ID: b.ID, Value: b})
	}
	return r.base.SetAll(ctx, items)
}
