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

type employeeDocument struct {
	Name              string         `firestore:"name"`
	Email             string         `firestore:"email,omitempty"`
	Department        string         `firestore:"department"`
	Level             string         `firestore:"level"`
	JobFamily         string         `firestore:"jobFamily,omitempty"`
	Location          string         `firestore:"location,omitempty"`
	ManagerID         string         `firestore:"managerId,omitempty"`
	HireDate          *time.Time     `firestore:"hireDate,omitempty"`
	PerformanceRating string         `firestore:"performanceRating,omitempty"`
	Attributes        map[string]any `firestore:"attributes,omitempty"`
}

type directoryEmployeeDocument struct {
	TenantID   string `firestore:"tenantId"`
	EmployeeID string `firestore:"employeeId"`
	Active     bool   `firestore:"active"`
	employeeDocument
}

func encodeEmployeeSnapshot(e domain.EmployeeSnapshot) employeeDocument {
	return employeeDocument{
		Name:              e.Name,
		Email:             e.Email,
		Department:        e.Department,
		Level:             e.Level,
		JobFamily:         e.JobFamily,
		Location:          e.Location,
		ManagerID:         e.ManagerID,
		HireDate:          normalizeTimePointer(e.HireDate),
		PerformanceRating: e.PerformanceRating,
		Attributes:        cloneMap(e.Attributes),
	}
}

func decodeEmployeeSnapshot(doc employeeDocument) domain.EmployeeSnapshot {
	return domain.EmployeeSnapshot{
		Name:              doc.Name,
		Email:             doc.Email,
		Department:        doc.Department,
		Level:             doc.Level,
		JobFamily:         doc.JobFamily,
		Location:          doc.Location,
		ManagerID:         doc.ManagerID,
		HireDate:          normalizeTimePointer(doc.HireDate),
		PerformanceRating: doc.PerformanceRating,
		Attributes:        cloneMap(doc.Attributes),
	}
}

// EmployeeDirectory implements repositories.EmployeeDirectory over the employees collection.
// Document IDs are "<tenantID>:<employeeID>".
type EmployeeDirectory struct {
	base *pfirestore.BaseRepository[domain.Employee]
}

var _ repositories.EmployeeDirectory = (*EmployeeDirectory)(nil)

// NewEmployeeDirectory constructs a Firestore-backed employee directory.
func NewEmployeeDirectory(provider *pfirestore.Provider) (*EmployeeDirectory, error) {
	if provider == nil {
		return nil, errors.New("employee directory requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Employee](provider, employeesCollection,
		func(e domain.Employee) (any, error) {
			return directoryEmployeeDocument{
				TenantID:         e.TenantID,
				EmployeeID:       e.ID,
				Active:           e.Active,
				employeeDocument: encodeEmployeeSnapshot(e.EmployeeSnapshot),
			}, nil
		},
		func(snap *firestore.DocumentSnapshot) (domain.Employee, error) {
			var doc directoryEmployeeDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.Employee{}, err
			}
			snapshot := decodeEmployeeSnapshot(doc.employeeDocument)
			snapshot.ID = doc.EmployeeID
			return domain.Employee{EmployeeSnapshot: snapshot, TenantID: doc.TenantID, Active: doc.Active}, nil
		})
	return &EmployeeDirectory{base: base}, nil
}

func (d *EmployeeDirectory) FindByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Employee, error) {
	if d == nil || d.base == nil {
		return nil, errNotInitialised
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, employeeDocID(tenantID, id))
	}
	docs, err := d.base.GetAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Employee, len(docs))
	for _, doc := range docs {
		out[doc.Data.ID] = doc.Data
	}
	return out, nil
}

// Upsert writes employees into the directory. Used by seeding and HRIS sync jobs.
func (d *EmployeeDirectory) Upsert(ctx context.Context, employees ...domain.Employee) error {
	if d == nil || d.base == nil {
		return errNotInitialised
	}
	items := make([]pfirestore.Keyed[domain.Employee], 0, len(employees))
	for _, e := range employees {
		items = append(items, pfirestore.Keyed[domain.Employee]{ID: employeeDocID(e.TenantID, e.ID), Value: e})
	}
	return d.base.SetAll(ctx, items)
}

func employeeDocID(tenantID, employeeID string) string {
	return strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(employeeID)
}

type ruleSetDocument struct {
	TenantID  string         `firestore:"tenantId"`
	Name      string         `firestore:"name"`
	Status    string         `firestore:"status"`
	Rules     []ruleDocument `firestore:"rules"`
	UpdatedAt time.Time      `firestore:"updatedAt"`
}

type ruleDocument struct {
	ID         string              `firestore:"id"`
	Name       string              `firestore:"name"`
	Priority   int                 `firestore:"priority"`
	Conditions []conditionDocument `firestore:"conditions"`
	Actions    []actionDocument    `firestore:"actions"`
}

type conditionDocument struct {
	Field    string `firestore:"field"`
	Operator string `firestore:"operator"`
	Value    any    `firestore:"value"`
}

type actionDocument struct {
	Type    string  `firestore:"type"`
	Value   float64 `firestore:"value"`
	Basis   string  `firestore:"basis,omitempty"`
	Message string  `firestore:"message,omitempty"`
}

// RuleSetRepository implements repositories.RuleSetRepository.
type RuleSetRepository struct {
	base *pfirestore.BaseRepository[domain.RuleSet]
}

var _ repositories.RuleSetRepository = (*RuleSetRepository)(nil)

// NewRuleSetRepository constructs a Firestore-backed rule set repository.
func NewRuleSetRepository(provider *pfirestore.Provider) (*RuleSetRepository, error) {
	if provider == nil {
		return nil, errors.New("rule set repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.RuleSet](provider, ruleSetsCollection,
		func(rs domain.RuleSet) (any, error) {
			doc := ruleSetDocument{
				TenantID:  rs.TenantID,
				Name:      rs.Name,
				Status:    string(rs.Status),
				UpdatedAt: rs.UpdatedAt.UTC(),
			}
			for _, rule := range rs.Rules {
				rd := ruleDocument{ID: rule.ID, Name: rule.Name, Priority: rule.Priority}
				for _, c := range rule.Conditions {
					rd.Conditions = append(rd.Conditions, conditionDocument(c))
				}
				for _, a := range rule.Actions {
					rd.Actions = append(rd.Actions, actionDocument(a))
				}
				doc.Rules = append(doc.Rules, rd)
			}
			return doc, nil
		},
		func(snap *firestore.DocumentSnapshot) (domain.RuleSet, error) {
			var doc ruleSetDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.RuleSet{}, err
			}
			rs := domain.RuleSet{
				ID:        snap.Ref.ID,
				TenantID:  doc.TenantID,
				Name:      doc.Name,
				Status:    domain.RuleSetStatus(doc.Status),
				UpdatedAt: chooseTime(doc.UpdatedAt, snap.UpdateTime),
			}
			for _, rd := range doc.Rules {
				rule := domain.Rule{ID: rd.ID, Name: rd.Name, Priority: rd.Priority}
				for _, c := range rd.Conditions {
					rule.Conditions = append(rule.Conditions, domain.RuleCondition(c))
				}
				for _, a := range rd.Actions {
					rule.Actions = append(rule.Actions, domain.RuleAction(a))
				}
				rs.Rules = append(rs.Rules, rule)
			}
			return rs, nil
		})
	return &RuleSetRepository{base: base}, nil
}

func (r *RuleSetRepository) ListActive(ctx context.Context, tenantID string) ([]domain.RuleSet, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("tenantId", "==", tenantID).Where("status", "==", string(domain.RuleSetStatusActive))
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.RuleSet, 0, len(docs))
	for _, doc := range docs {
		rs := doc.Data
		sort.SliceStable(rs.Rules, func(i, j int) bool { return rs.Rules[i].Priority < rs.Rules[j].Priority })
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RuleSetRepository) Upsert(ctx context.Context, ruleSet domain.RuleSet) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	return r.base.Set(ctx, ruleSet.ID, ruleSet)
}

type notificationDocument struct {
	TenantID  string         `firestore:"tenantId"`
	UserID    string         `firestore:"userId"`
	Type      string         `firestore:"type"`
	Title     string         `firestore:"title"`
	Body      string         `firestore:"body"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
	ReadAt    *time.Time     `firestore:"readAt,omitempty"`
}

// NotificationRepository implements repositories.NotificationRepository.
type NotificationRepository struct {
	base *pfirestore.BaseRepository[domain.Notification]
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Notification](provider, notificationsCollection,
		func(n domain.Notification) (any, error) {
			return notificationDocument{
				TenantID:  n.TenantID,
				UserID:    n.UserID,
				Type:      n.Type,
				Title:     n.Title,
				Body:      n.Body,
				Metadata:  cloneMap(n.Metadata),
				CreatedAt: n.CreatedAt.UTC(),
				ReadAt:    normalizeTimePointer(n.ReadAt),
			}, nil
		},
		func(snap *firestore.DocumentSnapshot) (domain.Notification, error) {
			var doc notificationDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.Notification{}, err
			}
			return domain.Notification{
				ID:        snap.Ref.ID,
				TenantID:  doc.TenantID,
				UserID:    doc.UserID,
				Type:      doc.Type,
				Title:     doc.Title,
				Body:      doc.Body,
				Metadata:  cloneMap(doc.Metadata),
				CreatedAt: chooseTime(doc.CreatedAt, snap.CreateTime),
				ReadAt:    normalizeTimePointer(doc.ReadAt),
			}, nil
		})
	return &NotificationRepository{base: base}, nil
}

// InsertMany creates every notification. Inside a transaction the inserts are atomic; outside
// one, already-written notifications stay in place when a later create fails.
func (r *NotificationRepository) InsertMany(ctx context.Context, notifications []domain.Notification) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	for _, n := range notifications {
		if err := r.base.Create(ctx, n.ID, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, tenantID, userID string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Notification]{}, errNotInitialised
	}
	limit, startAfter, err := pageWindow(pager)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("tenantId", "==", tenantID).Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	page := domain.CursorPage[domain.Notification]{}
	if len(docs) > limit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		if page.NextPageToken, err = nextPageToken(last.Data.CreatedAt, last.ID); err != nil {
			return domain.CursorPage[domain.Notification]{}, err
		}
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

type auditLogDocument struct {
	TenantID  string         `firestore:"tenantId"`
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Severity  string         `firestore:"severity,omitempty"`
	RequestID string         `firestore:"requestId,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// AuditLogRepository implements repositories.AuditLogRepository.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[domain.AuditLogEntry]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.AuditLogEntry](provider, auditLogsCollection,
		func(e domain.AuditLogEntry) (any, error) {
			return auditLogDocument{
				TenantID:  e.TenantID,
				Actor:     e.Actor,
				ActorType: e.ActorType,
				Action:    e.Action,
				TargetRef: e.TargetRef,
				Severity:  e.Severity,
				RequestID: e.RequestID,
				Metadata:  cloneMap(e.Metadata),
				Diff:      cloneMap(e.Diff),
				CreatedAt: e.CreatedAt.UTC(),
			}, nil
		},
		func(snap *firestore.DocumentSnapshot) (domain.AuditLogEntry, error) {
			var doc auditLogDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.AuditLogEntry{}, err
			}
			return domain.AuditLogEntry{
				ID:        snap.Ref.ID,
				TenantID:  doc.TenantID,
				Actor:     doc.Actor,
				ActorType: doc.ActorType,
				Action:    doc.Action,
				TargetRef: doc.TargetRef,
				Severity:  doc.Severity,
				RequestID: doc.RequestID,
				Metadata:  cloneMap(doc.Metadata),
				Diff:      cloneMap(doc.Diff),
				CreatedAt: chooseTime(doc.CreatedAt, snap.CreateTime),
			}, nil
		})
	return &AuditLogRepository{base: base}, nil
}

func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errNotInitialised
	}
	return r.base.Create(ctx, entry.ID, entry)
}

func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errNotInitialised
	}
	limit, startAfter, err := pageWindow(filter.Pagination)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.TenantID != "" {
			q = q.Where("tenantId", "==", filter.TenantID)
		}
		if filter.TargetRef != "" {
			q = q.Where("targetRef", "==", filter.TargetRef)
		}
		if filter.Actor != "" {
			q = q.Where("actor", "==", filter.Actor)
		}
		if filter.Action != "" {
			q = q.Where("action", "==", strings.ToLower(filter.Action))
		}
		if filter.Since != nil {
			q = q.Where("createdAt", ">=", filter.Since.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}
	page := domain.CursorPage[domain.AuditLogEntry]{}
	if len(docs) > limit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		if page.NextPageToken, err = nextPageToken(last.Data.CreatedAt, last.ID); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, err
		}
	}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

type memberDocument struct {
	TenantID string `firestore:"tenantId"`
	UserID   string `firestore:"userId"`
	Email    string `firestore:"email,omitempty"`
	Role     string `firestore:"role"`
}

// TenantMemberRepository implements repositories.TenantMemberRepository.
type TenantMemberRepository struct {
	base *pfirestore.BaseRepository[memberDocument]
}

var _ repositories.TenantMemberRepository = (*TenantMemberRepository)(nil)

// NewTenantMemberRepository constructs a Firestore-backed tenant member repository.
func NewTenantMemberRepository(provider *pfirestore.Provider) (*TenantMemberRepository, error) {
	if provider == nil {
		return nil, errors.New("tenant member repository requires firestore provider")
	}
	return &TenantMemberRepository{
		base: pfirestore.NewBaseRepository[memberDocument](provider, membersCollection, nil, nil),
	}, nil
}

func (r *TenantMemberRepository) ListByRole(ctx context.Context, tenantID string, role domain.Role) ([]domain.TenantMember, error) {
	if r == nil || r.base == nil {
		return nil, errNotInitialised
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("tenantId", "==", tenantID).Where("role", "==", string(role))
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.TenantMember, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.TenantMember{
			TenantID: doc.Data.TenantID,
			UserID:   doc.Data.UserID,
			Email:    doc.Data.Email,
			Role:     domain.Role(doc.Data.Role),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
