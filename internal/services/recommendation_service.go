package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/textutil"
	"github.com/meritflow/compcycle/internal/repositories"
)

var (
	// ErrRecommendationNotFound indicates the recommendation does not exist for the caller's tenant.
	ErrRecommendationNotFound = errors.New("recommendation: not found")
	// ErrRecommendationInvalidInput indicates a malformed request.
	ErrRecommendationInvalidInput = errors.New("recommendation: invalid input")
)

// RecommendationServiceDeps bundles collaborators for recommendation imports.
type RecommendationServiceDeps struct {
	Cycles          repositories.CycleRepository
	Recommendations repositories.RecommendationRepository
	Employees       repositories.EmployeeDirectory
	Budgets         BudgetService
	UnitOfWork      repositories.UnitOfWork
	Audit           AuditLogService
	Clock           func() time.Time
	Logger          Logger
	// BatchSize overrides RecommendationBatchSize; tests use it to exercise batch boundaries.
	BatchSize int
}

type recommendationService struct {
	cycles    repositories.CycleRepository
	recs      repositories.RecommendationRepository
	employees repositories.EmployeeDirectory
	budgets   BudgetService
	uow       repositories.UnitOfWork
	audit     AuditLogService
	clock     func() time.Time
	logger    Logger
	batchSize int
}

var _ RecommendationService = (*recommendationService)(nil)

// NewRecommendationService constructs the recommendation import service.
func NewRecommendationService(deps RecommendationServiceDeps) (RecommendationService, error) {
	switch {
	case deps.Cycles == nil:
		return nil, errors.New("recommendation service: cycle repository is required")
	case deps.Recommendations == nil:
		return nil, errors.New("recommendation service: recommendation repository is required")
	case deps.Employees == nil:
		return nil, errors.New("recommendation service: employee directory is required")
	case deps.Budgets == nil:
		return nil, errors.New("recommendation service: budget service is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("recommendation service: unit of work is required")
	}
	size := deps.BatchSize
	if size <= 0 {
		size = RecommendationBatchSize
	}
	return &recommendationService{
		cycles:    deps.Cycles,
		recs:      deps.Recommendations,
		employees: deps.Employees,
		budgets:   deps.Budgets,
		uow:       deps.UnitOfWork,
		audit:     deps.Audit,
		clock:     utcClock(deps.Clock),
		logger:    loggerOrNoop(deps.Logger),
		batchSize: size,
	}, nil
}

type pendingItem struct {
	input RecommendationInput
	id    string
}

func (s *recommendationService) BulkCreateRecommendations(ctx context.Context, cmd BulkCreateRecommendationsCommand) (BulkCreateResult, error) {
	result := BulkCreateResult{Total: len(cmd.Items)}
	if len(cmd.Items) == 0 {
		return result, fmt.Errorf("%w: items are required", ErrRecommendationInvalidInput)
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return result, err
	}
	if cycle.Status.IsTerminal() {
		return result, fmt.Errorf("%w: cycle is %s", ErrCycleInvalidState, cycle.Status)
	}

	valid := make([]pendingItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		item.EmployeeID = strings.TrimSpace(item.EmployeeID)
		if reason := validateRecommendationInput(item); reason != "" {
			result.Errors = append(result.Errors, RecommendationItemError{EmployeeID: item.EmployeeID, RecType: item.RecType, Reason: reason})
			continue
		}
		valid = append(valid, pendingItem{input: item, id: domain.RecommendationID(cycle.ID, item.EmployeeID, item.RecType)})
	}

	for _, batch := range batches(valid, s.batchSize) {
		created, updated, itemErrs, err := s.writeBatch(ctx, cycle, batch)
		if err != nil {
			return result, wrapRepoError("bulk create recommendations", err)
		}
		result.Created += created
		result.Updated += updated
		result.Errors = append(result.Errors, itemErrs...)
	}

	if result.Created+result.Updated > 0 {
		if _, err := s.budgets.RecalculateBudgetSpent(ctx, cycle.ID); err != nil {
			s.logger(ctx, "recommendation.budget_recalc_failed", map[string]any{"cycleId": cycle.ID, "error": err.Error()})
		}
	}

	s.logger(ctx, "recommendation.bulk_created", map[string]any{
		"cycleId": cycle.ID,
		"created": result.Created,
		"updated": result.Updated,
		"errors":  len(result.Errors),
	})
	if s.audit != nil {
		rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "recommendation.bulk_create", cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"created": result.Created, "updated": result.Updated, "errors": len(result.Errors), "total": result.Total}
		s.audit.Record(ctx, rec)
	}
	return result, nil
}

func (s *recommendationService) writeBatch(ctx context.Context, cycle domain.Cycle, batch []pendingItem) (int, int, []RecommendationItemError, error) {
	employeeIDs := make([]string, 0, len(batch))
	for _, item := range batch {
		employeeIDs = append(employeeIDs, item.input.EmployeeID)
	}
	directory, err := s.employees.FindByIDs(ctx, cycle.TenantID, uniqueStrings(employeeIDs))
	if err != nil {
		return 0, 0, nil, err
	}

	var (
		created, updated int
		itemErrs         []RecommendationItemError
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		created, updated, itemErrs = 0, 0, nil
		ids := make([]string, 0, len(batch))
		for _, item := range batch {
			ids = append(ids, item.id)
		}
		existing, err := s.recs.FindByIDs(txCtx, uniqueStrings(ids))
		if err != nil {
			return err
		}
		now := s.clock()
		staged := make(map[string]domain.Recommendation, len(batch))
		order := make([]string, 0, len(batch))
		for _, item := range batch {
			in := item.input
			rec, seen := staged[item.id]
			if !seen {
				rec, seen = existing[item.id]
				if !seen {
					emp, ok := directory[in.EmployeeID]
					if !ok {
						itemErrs = append(itemErrs, RecommendationItemError{EmployeeID: in.EmployeeID, RecType: in.RecType, Reason: "employee not found in directory"})
						continue
					}
					rec = domain.Recommendation{
						ID:         item.id,
						TenantID:   cycle.TenantID,
						CycleID:    cycle.ID,
						EmployeeID: in.EmployeeID,
						Employee:   snapshotEmployee(emp),
						RecType:    in.RecType,
						Status:     domain.RecommendationStatusDraft,
						CreatedAt:  now,
					}
					created++
				} else {
					updated++
				}
				order = append(order, item.id)
			} else {
				updated++
			}
			rec.CurrentValue = in.CurrentValue
			rec.ProposedValue = in.ProposedValue
			rec.Justification = textutil.PlainText(in.Justification, maxJustificationLength)
			rec.ApproverUserID = strings.TrimSpace(in.ApproverUserID)
			rec.UpdatedAt = now
			staged[item.id] = rec
		}
		if len(order) == 0 {
			return nil
		}
		out := make([]domain.Recommendation, 0, len(order))
		for _, id := range order {
			out = append(out, staged[id])
		}
		return s.recs.SaveAll(txCtx, out)
	})
	return created, updated, itemErrs, err
}

func (s *recommendationService) SubmitRecommendations(ctx context.Context, cmd SubmitRecommendationsCommand) (SubmitResult, error) {
	ids := uniqueStrings(cmd.RecommendationIDs)
	result := SubmitResult{Total: len(ids)}
	if len(ids) == 0 {
		return result, fmt.Errorf("%w: recommendationIds are required", ErrRecommendationInvalidInput)
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return result, err
	}
	if cycle.Status.IsTerminal() {
		return result, fmt.Errorf("%w: cycle is %s", ErrCycleInvalidState, cycle.Status)
	}

	for _, batch := range batches(ids, s.batchSize) {
		var (
			submitted int
			itemErrs  []ItemError
		)
		err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
			submitted, itemErrs = 0, nil
			found, err := s.recs.FindByIDs(txCtx, batch)
			if err != nil {
				return err
			}
			now := s.clock()
			var changed []domain.Recommendation
			for _, id := range batch {
				rec, ok := found[id]
				if !ok || rec.CycleID != cycle.ID {
					itemErrs = append(itemErrs, ItemError{RecommendationID: id, Reason: "recommendation not found"})
					continue
				}
				if rec.Status != domain.RecommendationStatusDraft {
					itemErrs = append(itemErrs, ItemError{RecommendationID: id, Reason: fmt.Sprintf("cannot submit a recommendation in state %s", rec.Status)})
					continue
				}
				rec.Status = domain.RecommendationStatusSubmitted
				rec.UpdatedAt = now
				changed = append(changed, rec)
				submitted++
			}
			if len(changed) == 0 {
				return nil
			}
			return s.recs.SaveAll(txCtx, changed)
		})
		if err != nil {
			return result, wrapRepoError("submit recommendations", err)
		}
		result.Submitted += submitted
		result.Errors = append(result.Errors, itemErrs...)
	}

	s.logger(ctx, "recommendation.submitted", map[string]any{"cycleId": cycle.ID, "submitted": result.Submitted})
	if s.audit != nil && result.Submitted > 0 {
		rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "recommendation.submit", cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"submitted": result.Submitted, "errors": len(result.Errors)}
		s.audit.Record(ctx, rec)
	}
	return result, nil
}

func (s *recommendationService) ListRecommendations(ctx context.Context, filter RecommendationListFilter) (domain.CursorPage[Recommendation], error) {
	for _, st := range filter.Statuses {
		if !isRecommendationStatus(st) {
			return domain.CursorPage[Recommendation]{}, fmt.Errorf("%w: unknown status %q", ErrRecommendationInvalidInput, st)
		}
	}
	cycle, err := loadCycle(ctx, s.cycles, filter.TenantID, filter.CycleID)
	if err != nil {
		return domain.CursorPage[Recommendation]{}, err
	}
	page, err := s.recs.Page(ctx, repositories.RecommendationFilter{
		CycleID:    cycle.ID,
		Statuses:   filter.Statuses,
		Department: filter.Department,
		Level:      filter.Level,
	}, filter.Pagination)
	if err != nil {
		return domain.CursorPage[Recommendation]{}, wrapRepoError("list recommendations", err)
	}
	return page, nil
}

func (s *recommendationService) GetRecommendation(ctx context.Context, tenantID, recommendationID string) (Recommendation, error) {
	recommendationID = strings.TrimSpace(recommendationID)
	if recommendationID == "" {
		return Recommendation{}, fmt.Errorf("%w: recommendation id is required", ErrRecommendationInvalidInput)
	}
	rec, err := s.recs.FindByID(ctx, recommendationID)
	if err != nil {
		if isRepoNotFound(err) {
			return Recommendation{}, fmt.Errorf("%w: %s", ErrRecommendationNotFound, recommendationID)
		}
		return Recommendation{}, wrapRepoError("get recommendation", err)
	}
	if tenantID != "" && rec.TenantID != tenantID {
		return Recommendation{}, fmt.Errorf("%w: %s", ErrRecommendationNotFound, recommendationID)
	}
	return rec, nil
}

func validateRecommendationInput(item RecommendationInput) string {
	switch {
	case item.EmployeeID == "":
		return "employeeId is required"
	case !item.RecType.Valid():
		return fmt.Sprintf("unknown recType %q", item.RecType)
	case item.CurrentValue.IsNegative():
		return "currentValue must not be negative"
	case item.ProposedValue.IsNegative():
		return "proposedValue must not be negative"
	}
	return ""
}

func isRecommendationStatus(status domain.RecommendationStatus) bool {
	for _, st := range domain.AllRecommendationStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func snapshotEmployee(emp domain.Employee) domain.EmployeeSnapshot {
	snap := emp.EmployeeSnapshot
	snap.Department = domain.NormalizeLabel(snap.Department)
	snap.Level = domain.NormalizeLabel(snap.Level)
	snap.Attributes = maps.Clone(snap.Attributes)
	if snap.HireDate != nil {
		hired := snap.HireDate.UTC()
		snap.HireDate = &hired
	}
	return snap
}
