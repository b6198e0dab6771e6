package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

var (
	// ErrCycleNotFound indicates the cycle does not exist for the caller's tenant.
	ErrCycleNotFound = errors.New("cycle: not found")
	// ErrCycleInvalidTransition indicates the target status is not reachable from the current one.
	ErrCycleInvalidTransition = errors.New("cycle: invalid transition")
	// ErrCycleForbidden indicates the actor's role may not perform the transition.
	ErrCycleForbidden = errors.New("cycle: forbidden")
	// ErrCycleInvalidState indicates a transition precondition is unmet.
	ErrCycleInvalidState = errors.New("cycle: invalid state")
	// ErrCycleInvalidInput indicates malformed command input.
	ErrCycleInvalidInput = errors.New("cycle: invalid input")
	// ErrCycleConflict indicates a concurrent writer changed the cycle first.
	ErrCycleConflict = errors.New("cycle: conflict")
)

const cycleIDPrefix = "cyc_"

// CycleServiceDeps bundles collaborators for the cycle service.
type CycleServiceDeps struct {
	Cycles          repositories.CycleRepository
	Recommendations repositories.RecommendationRepository
	UnitOfWork      repositories.UnitOfWork
	Audit           AuditLogService
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          Logger
}

type cycleService struct {
	cycles  repositories.CycleRepository
	recs    repositories.RecommendationRepository
	uow     repositories.UnitOfWork
	audit   AuditLogService
	clock   func() time.Time
	newID   func() string
	logger  Logger
	machine cycleStateMachine
}

var _ CycleService = (*cycleService)(nil)

// NewCycleService constructs the cycle lifecycle service.
func NewCycleService(deps CycleServiceDeps) (CycleService, error) {
	if deps.Cycles == nil {
		return nil, errors.New("cycle service: cycle repository is required")
	}
	if deps.Recommendations == nil {
		return nil, errors.New("cycle service: recommendation repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("cycle service: unit of work is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return newPrefixedID(cycleIDPrefix) }
	}
	svc := &cycleService{
		cycles: deps.Cycles,
		recs:   deps.Recommendations,
		uow:    deps.UnitOfWork,
		audit:  deps.Audit,
		clock:  utcClock(deps.Clock),
		newID:  newID,
		logger: loggerOrNoop(deps.Logger),
	}
	svc.machine = newCycleStateMachine(svc.recs.Count)
	return svc, nil
}

func (s *cycleService) CreateCycle(ctx context.Context, cmd CreateCycleCommand) (Cycle, error) {
	tenant := strings.TrimSpace(cmd.TenantID)
	name := strings.TrimSpace(cmd.Name)
	switch {
	case tenant == "":
		return Cycle{}, fmt.Errorf("%w: tenant id is required", ErrCycleInvalidInput)
	case name == "":
		return Cycle{}, fmt.Errorf("%w: name is required", ErrCycleInvalidInput)
	case !cmd.CycleType.Valid():
		return Cycle{}, fmt.Errorf("%w: unknown cycle type %q", ErrCycleInvalidInput, cmd.CycleType)
	case cmd.BudgetTotal.IsNegative():
		return Cycle{}, fmt.Errorf("%w: budgetTotal must not be negative", ErrCycleInvalidInput)
	case !cmd.StartDate.IsZero() && !cmd.EndDate.IsZero() && cmd.EndDate.Before(cmd.StartDate):
		return Cycle{}, fmt.Errorf("%w: endDate precedes startDate", ErrCycleInvalidInput)
	}
	if err := validateSettingsInput(cmd.ApprovalChain, cmd.EscalationDelayMs, cmd.DriftThresholdPct); err != nil {
		return Cycle{}, err
	}

	now := s.clock()
	cycle := Cycle{
		ID:          s.newID(),
		TenantID:    tenant,
		Name:        name,
		CycleType:   cmd.CycleType,
		Status:      domain.CycleStatusDraft,
		BudgetTotal: cmd.BudgetTotal,
		Currency:    strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		StartDate:   cmd.StartDate.UTC(),
		EndDate:     cmd.EndDate.UTC(),
		Settings: domain.CycleSettings{
			ApprovalChain:     append([]domain.Role(nil), cmd.ApprovalChain...),
			EscalationDelayMs: cmd.EscalationDelayMs,
			DriftThresholdPct: cmd.DriftThresholdPct,
		},
		CreatedBy: strings.TrimSpace(cmd.ActorID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cycles.Insert(ctx, cycle); err != nil {
		if isRepoConflict(err) {
			return Cycle{}, fmt.Errorf("%w: %s already exists", ErrCycleConflict, cycle.ID)
		}
		return Cycle{}, wrapRepoError("create cycle", err)
	}

	s.logger(ctx, "cycle.created", map[string]any{"cycleId": cycle.ID, "tenantId": tenant})
	if s.audit != nil {
		rec := auditRecord(ctx, tenant, cycle.CreatedBy, "cycle.create", cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"name": cycle.Name, "cycleType": string(cycle.CycleType), "budgetTotal": cycle.BudgetTotal.String()}
		s.audit.Record(ctx, rec)
	}
	return cycle, nil
}

func (s *cycleService) GetCycle(ctx context.Context, tenantID, cycleID string) (Cycle, error) {
	return loadCycle(ctx, s.cycles, tenantID, cycleID)
}

func (s *cycleService) ListCycles(ctx context.Context, filter CycleListFilter) (domain.CursorPage[Cycle], error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return domain.CursorPage[Cycle]{}, fmt.Errorf("%w: tenant id is required", ErrCycleInvalidInput)
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return domain.CursorPage[Cycle]{}, fmt.Errorf("%w: unknown status %q", ErrCycleInvalidInput, st)
		}
	}
	page, err := s.cycles.List(ctx, repositories.CycleFilter{
		TenantID:   filter.TenantID,
		Statuses:   filter.Statuses,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Cycle]{}, wrapRepoError("list cycles", err)
	}
	return page, nil
}

func (s *cycleService) AllowedTransitions(status domain.CycleStatus) []domain.CycleStatus {
	return s.machine.allowed(status)
}

func (s *cycleService) TransitionCycle(ctx context.Context, cmd TransitionCycleCommand) (Cycle, error) {
	if !cmd.Target.Valid() {
		return Cycle{}, fmt.Errorf("%w: unknown target status %q", ErrCycleInvalidInput, cmd.Target)
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return Cycle{}, err
	}
	if err := s.machine.check(ctx, cycle, cmd.Target, cmd.ActorRole); err != nil {
		return Cycle{}, err
	}

	from := cycle.Status
	var updated Cycle
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		updated = Cycle{}
		current, err := s.cycles.FindByID(txCtx, cycle.ID)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: status changed from %s to %s concurrently", ErrCycleConflict, from, current.Status)
		}
		now := s.clock()
		current.Status = cmd.Target
		current.Settings.AppendTransition(domain.TransitionRecord{
			From:   from,
			To:     cmd.Target,
			Reason: strings.TrimSpace(cmd.Reason),
			Actor:  strings.TrimSpace(cmd.ActorID),
			At:     now,
		})
		current.UpdatedAt = now
		if err := s.cycles.Update(txCtx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCycleConflict) {
			return Cycle{}, err
		}
		if isRepoNotFound(err) {
			return Cycle{}, fmt.Errorf("%w: %s", ErrCycleNotFound, cycle.ID)
		}
		if isRepoConflict(err) {
			return Cycle{}, fmt.Errorf("%w: %v", ErrCycleConflict, err)
		}
		return Cycle{}, wrapRepoError("transition cycle", err)
	}

	s.logger(ctx, "cycle.transitioned", map[string]any{
		"cycleId": updated.ID,
		"from":    string(from),
		"to":      string(updated.Status),
		"actor":   cmd.ActorID,
	})
	if s.audit != nil {
		rec := auditRecord(ctx, updated.TenantID, cmd.ActorID, "cycle.transition", cycleRef(updated.ID))
		rec.Diff = map[string]AuditLogDiff{"status": {Before: string(from), After: string(updated.Status)}}
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			rec.Metadata = map[string]any{"reason": reason}
		}
		s.audit.Record(ctx, rec)
	}
	return updated, nil
}

func (s *cycleService) UpdateCycleSettings(ctx context.Context, cmd UpdateCycleSettingsCommand) (Cycle, error) {
	if cmd.ApprovalChain == nil && cmd.EscalationDelayMs == nil && cmd.DriftThresholdPct == nil {
		return Cycle{}, fmt.Errorf("%w: no settings supplied", ErrCycleInvalidInput)
	}
	if err := validateSettingsInput(cmd.ApprovalChain, cmd.EscalationDelayMs, cmd.DriftThresholdPct); err != nil {
		return Cycle{}, err
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return Cycle{}, err
	}
	if cycle.Status.IsTerminal() {
		return Cycle{}, fmt.Errorf("%w: cycle is %s", ErrCycleInvalidState, cycle.Status)
	}

	var (
		updated Cycle
		diff    map[string]AuditLogDiff
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		updated, diff = Cycle{}, map[string]AuditLogDiff{}
		current, err := s.cycles.FindByID(txCtx, cycle.ID)
		if err != nil {
			return err
		}
		settings := current.Settings
		if cmd.ApprovalChain != nil {
			diff["approvalChain"] = AuditLogDiff{Before: rolesToStrings(settings.ApprovalChain), After: rolesToStrings(cmd.ApprovalChain)}
			settings.ApprovalChain = append([]domain.Role(nil), cmd.ApprovalChain...)
		}
		if cmd.EscalationDelayMs != nil {
			diff["escalationDelayMs"] = AuditLogDiff{Before: derefInt64(settings.EscalationDelayMs), After: *cmd.EscalationDelayMs}
			v := *cmd.EscalationDelayMs
			settings.EscalationDelayMs = &v
		}
		if cmd.DriftThresholdPct != nil {
			diff["driftThresholdPct"] = AuditLogDiff{Before: derefFloat(settings.DriftThresholdPct), After: *cmd.DriftThresholdPct}
			v := *cmd.DriftThresholdPct
			settings.DriftThresholdPct = &v
		}
		current.Settings = settings
		current.UpdatedAt = s.clock()
		if err := s.cycles.Update(txCtx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		if isRepoNotFound(err) {
			return Cycle{}, fmt.Errorf("%w: %s", ErrCycleNotFound, cycle.ID)
		}
		return Cycle{}, wrapRepoError("update cycle settings", err)
	}

	s.logger(ctx, "cycle.settings_updated", map[string]any{"cycleId": updated.ID})
	if s.audit != nil {
		rec := auditRecord(ctx, updated.TenantID, cmd.ActorID, "cycle.settings.update", cycleRef(updated.ID))
		rec.Diff = diff
		s.audit.Record(ctx, rec)
	}
	return updated, nil
}

func validateSettingsInput(chain []domain.Role, delayMs *int64, threshold *float64) error {
	for _, role := range chain {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown role %q in approval chain", ErrCycleInvalidInput, role)
		}
	}
	if delayMs != nil && *delayMs <= 0 {
		return fmt.Errorf("%w: escalationDelayMs must be positive", ErrCycleInvalidInput)
	}
	if threshold != nil && *threshold < 0 {
		return fmt.Errorf("%w: driftThresholdPct must not be negative", ErrCycleInvalidInput)
	}
	return nil
}

func rolesToStrings(roles []domain.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

func derefInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
