package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/textutil"
	"github.com/meritflow/compcycle/internal/repositories"
)

var (
	// ErrCalibrationNotFound indicates the session does not exist for the caller's tenant.
	ErrCalibrationNotFound = errors.New("calibration: not found")
	// ErrCalibrationInvalidState indicates the session cannot accept the change.
	ErrCalibrationInvalidState = errors.New("calibration: invalid state")
	// ErrCalibrationInvalidInput indicates a malformed request.
	ErrCalibrationInvalidInput = errors.New("calibration: invalid input")
)

const calibrationIDPrefix = "cal_"

// CalibrationServiceDeps bundles collaborators for calibration sessions.
type CalibrationServiceDeps struct {
	Cycles          repositories.CycleRepository
	Recommendations repositories.RecommendationRepository
	Sessions        repositories.CalibrationSessionRepository
	// Budgets is optional; when set, adjusted values are folded back into the budget ledger.
	Budgets     BudgetService
	UnitOfWork  repositories.UnitOfWork
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type calibrationService struct {
	cycles   repositories.CycleRepository
	recs     repositories.RecommendationRepository
	sessions repositories.CalibrationSessionRepository
	budgets  BudgetService
	uow      repositories.UnitOfWork
	audit    AuditLogService
	clock    func() time.Time
	newID    func() string
	logger   Logger
}

var _ CalibrationService = (*calibrationService)(nil)

// NewCalibrationService constructs the calibration session service.
func NewCalibrationService(deps CalibrationServiceDeps) (CalibrationService, error) {
	switch {
	case deps.Cycles == nil:
		return nil, errors.New("calibration service: cycle repository is required")
	case deps.Recommendations == nil:
		return nil, errors.New("calibration service: recommendation repository is required")
	case deps.Sessions == nil:
		return nil, errors.New("calibration service: session repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("calibration service: unit of work is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return newPrefixedID(calibrationIDPrefix) }
	}
	return &calibrationService{
		cycles:   deps.Cycles,
		recs:     deps.Recommendations,
		sessions: deps.Sessions,
		budgets:  deps.Budgets,
		uow:      deps.UnitOfWork,
		audit:    deps.Audit,
		clock:    utcClock(deps.Clock),
		newID:    newID,
		logger:   loggerOrNoop(deps.Logger),
	}, nil
}

func (s *calibrationService) CreateSession(ctx context.Context, cmd CreateCalibrationSessionCommand) (CalibrationSession, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return CalibrationSession{}, fmt.Errorf("%w: name is required", ErrCalibrationInvalidInput)
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return CalibrationSession{}, err
	}
	if cycle.Status.IsTerminal() {
		return CalibrationSession{}, fmt.Errorf("%w: cycle is %s", ErrCalibrationInvalidState, cycle.Status)
	}

	filter := domain.CalibrationFilter{RecommendationIDs: uniqueStrings(cmd.RecommendationIDs)}
	var recs []domain.Recommendation
	if len(filter.RecommendationIDs) > 0 {
		found, err := s.recs.FindByIDs(ctx, filter.RecommendationIDs)
		if err != nil {
			return CalibrationSession{}, wrapRepoError("resolve participants", err)
		}
		for _, id := range filter.RecommendationIDs {
			if rec, ok := found[id]; ok && rec.CycleID == cycle.ID {
				recs = append(recs, rec)
			}
		}
	} else {
		filter.Department = domain.NormalizeLabel(cmd.Department)
		filter.Level = domain.NormalizeLabel(cmd.Level)
		recs, err = s.recs.List(ctx, repositories.RecommendationFilter{
			CycleID:    cycle.ID,
			Department: filter.Department,
			Level:      filter.Level,
		})
		if err != nil {
			return CalibrationSession{}, wrapRepoError("resolve participants", err)
		}
	}
	if len(recs) == 0 {
		return CalibrationSession{}, fmt.Errorf("%w: no recommendations match the session filter", ErrCalibrationInvalidState)
	}

	participants := make([]domain.CalibrationParticipant, 0, len(recs))
	for _, rec := range recs {
		participants = append(participants, domain.CalibrationParticipant{
			RecommendationID: rec.ID,
			EmployeeID:       rec.EmployeeID,
			EmployeeName:     rec.Employee.Name,
			Department:       rec.Employee.Department,
			Level:            rec.Employee.Level,
			RecType:          rec.RecType,
			CurrentValue:     rec.CurrentValue,
			ProposedValue:    rec.ProposedValue,
			OriginalStatus:   rec.Status,
		})
	}
	now := s.clock()
	session := CalibrationSession{
		ID:           s.newID(),
		TenantID:     cycle.TenantID,
		CycleID:      cycle.ID,
		Name:         name,
		Status:       domain.CalibrationStatusActive,
		Filter:       filter,
		Participants: participants,
		Outcomes:     map[string]domain.CalibrationOutcome{},
		Metadata:     maps.Clone(cmd.Metadata),
		CreatedBy:    strings.TrimSpace(cmd.ActorID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return CalibrationSession{}, wrapRepoError("create calibration session", err)
	}

	s.logger(ctx, "calibration.session_created", map[string]any{"sessionId": session.ID, "cycleId": cycle.ID, "participants": len(participants)})
	if s.audit != nil {
		rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "calibration.session.create", sessionRef(session.ID))
		rec.Metadata = map[string]any{"cycleId": cycle.ID, "name": name, "participants": len(participants)}
		s.audit.Record(ctx, rec)
	}
	return session, nil
}

func (s *calibrationService) GetSession(ctx context.Context, tenantID, sessionID string) (CalibrationSession, error) {
	return s.loadSession(ctx, s.sessions, tenantID, sessionID)
}

func (s *calibrationService) ListSessions(ctx context.Context, tenantID, cycleID string) ([]CalibrationSession, error) {
	cycle, err := loadCycle(ctx, s.cycles, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListByCycle(ctx, cycle.ID)
	if err != nil {
		return nil, wrapRepoError("list calibration sessions", err)
	}
	return sessions, nil
}

func (s *calibrationService) LockRecommendations(ctx context.Context, cmd CalibrationLockCommand) (int, error) {
	session, err := s.loadSession(ctx, s.sessions, cmd.TenantID, cmd.SessionID)
	if err != nil {
		return 0, err
	}
	if session.Status.IsClosed() {
		return 0, fmt.Errorf("%w: session is %s", ErrCalibrationInvalidState, session.Status)
	}

	var locked int
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		locked = 0
		found, err := s.recs.FindByIDs(txCtx, session.ParticipantIDs())
		if err != nil {
			return err
		}
		now := s.clock()
		var changed []domain.Recommendation
		for _, id := range session.ParticipantIDs() {
			rec, ok := found[id]
			if !ok || rec.Locked {
				continue
			}
			if rec.Status != domain.RecommendationStatusDraft && rec.Status != domain.RecommendationStatusSubmitted {
				continue
			}
			rec.Locked = true
			rec.LockedBySession = session.ID
			rec.UpdatedAt = now
			changed = append(changed, rec)
		}
		locked = len(changed)
		if locked == 0 {
			return nil
		}
		return s.recs.SaveAll(txCtx, changed)
	})
	if err != nil {
		return 0, wrapRepoError("lock recommendations", err)
	}

	s.logger(ctx, "calibration.locked", map[string]any{"sessionId": session.ID, "count": locked})
	if s.audit != nil {
		rec := auditRecord(ctx, session.TenantID, cmd.ActorID, "calibration.lock", sessionRef(session.ID))
		rec.Metadata = map[string]any{"count": locked}
		s.audit.Record(ctx, rec)
	}
	return locked, nil
}

func (s *calibrationService) UnlockRecommendations(ctx context.Context, cmd CalibrationLockCommand) (int, error) {
	session, err := s.loadSession(ctx, s.sessions, cmd.TenantID, cmd.SessionID)
	if err != nil {
		return 0, err
	}
	var unlocked int
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		unlocked = 0
		found, err := s.recs.FindByIDs(txCtx, session.ParticipantIDs())
		if err != nil {
			return err
		}
		changed := releaseParticipants(session, found, s.clock())
		if len(changed) == 0 {
			return nil
		}
		unlocked = len(changed)
		return s.recs.SaveAll(txCtx, changed)
	})
	if err != nil {
		return 0, wrapRepoError("unlock recommendations", err)
	}

	s.logger(ctx, "calibration.unlocked", map[string]any{"sessionId": session.ID, "count": unlocked})
	if s.audit != nil {
		rec := auditRecord(ctx, session.TenantID, cmd.ActorID, "calibration.unlock", sessionRef(session.ID))
		rec.Metadata = map[string]any{"count": unlocked}
		s.audit.Record(ctx, rec)
	}
	return unlocked, nil
}

// releaseParticipants returns the rows in found that session holds, unlocked and back in
// SUBMITTED. It does no I/O so callers can fold it into a transaction after all reads.
func releaseParticipants(session domain.CalibrationSession, found map[string]domain.Recommendation, now time.Time) []domain.Recommendation {
	var changed []domain.Recommendation
	for _, id := range session.ParticipantIDs() {
		rec, ok := found[id]
		if !ok || !rec.Locked || rec.LockedBySession != session.ID {
			continue
		}
		rec.Locked = false
		rec.LockedBySession = ""
		rec.Status = domain.RecommendationStatusSubmitted
		rec.UpdatedAt = now
		changed = append(changed, rec)
	}
	return changed
}

func (s *calibrationService) UpdateSession(ctx context.Context, cmd UpdateCalibrationSessionCommand) (CalibrationSession, error) {
	if cmd.Status != nil {
		switch *cmd.Status {
		case domain.CalibrationStatusActive, domain.CalibrationStatusCompleted, domain.CalibrationStatusCancelled:
		default:
			return CalibrationSession{}, fmt.Errorf("%w: unknown status %q", ErrCalibrationInvalidInput, *cmd.Status)
		}
	}
	session, err := s.loadSession(ctx, s.sessions, cmd.TenantID, cmd.SessionID)
	if err != nil {
		return CalibrationSession{}, err
	}
	if session.Status.IsClosed() {
		return CalibrationSession{}, fmt.Errorf("%w: session is %s", ErrCalibrationInvalidState, session.Status)
	}
	participants := make(map[string]struct{}, len(session.Participants))
	for _, id := range session.ParticipantIDs() {
		participants[id] = struct{}{}
	}
	for id, outcome := range cmd.Outcomes {
		if _, ok := participants[id]; !ok {
			return CalibrationSession{}, fmt.Errorf("%w: %s is not a participant of session %s", ErrCalibrationInvalidInput, id, session.ID)
		}
		if outcome.AdjustedValue != nil && outcome.AdjustedValue.IsNegative() {
			return CalibrationSession{}, fmt.Errorf("%w: adjustedValue for %s must not be negative", ErrCalibrationInvalidInput, id)
		}
	}

	var (
		updated  CalibrationSession
		adjusted int
		released int
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		updated, adjusted, released = CalibrationSession{}, 0, 0
		current, err := s.sessions.FindByID(txCtx, session.ID)
		if err != nil {
			return err
		}
		if current.Status.IsClosed() {
			return fmt.Errorf("%w: session is %s", ErrCalibrationInvalidState, current.Status)
		}
		now := s.clock()
		actor := strings.TrimSpace(cmd.ActorID)

		outcomes := maps.Clone(current.Outcomes)
		if outcomes == nil {
			outcomes = map[string]domain.CalibrationOutcome{}
		}
		var adjustIDs []string
		for id, in := range cmd.Outcomes {
			outcome := domain.CalibrationOutcome{
				AdjustedValue: in.AdjustedValue,
				Rank:          in.Rank,
				Notes:         textutil.PlainText(in.Notes, maxNotesLength),
				RecordedAt:    now,
				RecordedBy:    actor,
			}
			outcomes[id] = outcome
			if in.AdjustedValue != nil {
				adjustIDs = append(adjustIDs, id)
			}
		}
		slices.Sort(adjustIDs)
		closing := cmd.Status != nil && *cmd.Status != current.Status && cmd.Status.IsClosed()

		// Firestore rejects reads once a write is queued, so every row is loaded up front.
		readIDs := slices.Clone(adjustIDs)
		if closing {
			readIDs = append(readIDs, current.ParticipantIDs()...)
		}
		var found map[string]domain.Recommendation
		if len(readIDs) > 0 {
			if found, err = s.recs.FindByIDs(txCtx, uniqueStrings(readIDs)); err != nil {
				return err
			}
		}

		touched := map[string]struct{}{}
		for _, id := range adjustIDs {
			rec, ok := found[id]
			if !ok {
				continue
			}
			rec.ProposedValue = *cmd.Outcomes[id].AdjustedValue
			rec.UpdatedAt = now
			found[id] = rec
			touched[id] = struct{}{}
		}
		adjusted = len(touched)
		if closing {
			for _, rec := range releaseParticipants(current, found, now) {
				found[rec.ID] = rec
				touched[rec.ID] = struct{}{}
				released++
			}
			completed := now
			current.CompletedAt = &completed
		}
		if len(touched) > 0 {
			changed := make([]domain.Recommendation, 0, len(touched))
			for _, id := range slices.Sorted(maps.Keys(touched)) {
				changed = append(changed, found[id])
			}
			if err := s.recs.SaveAll(txCtx, changed); err != nil {
				return err
			}
		}
		if cmd.Status != nil {
			current.Status = *cmd.Status
		}
		current.Outcomes = outcomes
		if len(cmd.Metadata) > 0 {
			merged := maps.Clone(current.Metadata)
			if merged == nil {
				merged = map[string]any{}
			}
			maps.Copy(merged, cmd.Metadata)
			current.Metadata = merged
		}
		current.UpdatedAt = now
		if err := s.sessions.Update(txCtx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCalibrationInvalidState) {
			return CalibrationSession{}, err
		}
		if isRepoNotFound(err) {
			return CalibrationSession{}, fmt.Errorf("%w: %s", ErrCalibrationNotFound, session.ID)
		}
		return CalibrationSession{}, wrapRepoError("update calibration session", err)
	}

	if adjusted > 0 && s.budgets != nil {
		if _, err := s.budgets.RecalculateBudgetSpent(ctx, updated.CycleID); err != nil {
			s.logger(ctx, "calibration.budget_recalc_failed", map[string]any{"cycleId": updated.CycleID, "error": err.Error()})
		}
	}

	s.logger(ctx, "calibration.session_updated", map[string]any{
		"sessionId": updated.ID,
		"status":    string(updated.Status),
		"adjusted":  adjusted,
		"unlocked":  released,
	})
	if s.audit != nil {
		rec := auditRecord(ctx, updated.TenantID, cmd.ActorID, "calibration.session.update", sessionRef(updated.ID))
		rec.Metadata = map[string]any{"outcomes": len(cmd.Outcomes), "adjusted": adjusted, "unlocked": released}
		if updated.Status != session.Status {
			rec.Diff = map[string]AuditLogDiff{"status": {Before: string(session.Status), After: string(updated.Status)}}
		}
		s.audit.Record(ctx, rec)
	}
	return updated, nil
}

func (s *calibrationService) loadSession(ctx context.Context, repo repositories.CalibrationSessionRepository, tenantID, sessionID string) (CalibrationSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CalibrationSession{}, fmt.Errorf("%w: session id is required", ErrCalibrationInvalidInput)
	}
	session, err := repo.FindByID(ctx, sessionID)
	if err != nil {
		if isRepoNotFound(err) {
			return CalibrationSession{}, fmt.Errorf("%w: %s", ErrCalibrationNotFound, sessionID)
		}
		return CalibrationSession{}, wrapRepoError("load calibration session", err)
	}
	if tenantID != "" && session.TenantID != tenantID {
		return CalibrationSession{}, fmt.Errorf("%w: %s", ErrCalibrationNotFound, sessionID)
	}
	return session, nil
}
