package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/jobs"
	"github.com/meritflow/compcycle/internal/platform/textutil"
	"github.com/meritflow/compcycle/internal/repositories"
)

// DefaultEscalationDelay applies when a cycle does not configure escalationDelayMs.
const DefaultEscalationDelay = 72 * time.Hour

const escalationReason = "auto-escalation: not actioned within deadline"

var defaultApprovalChain = []domain.Role{domain.RoleManager, domain.RoleHRManager, domain.RoleAdmin}

// ApprovalServiceDeps bundles collaborators for approvals and escalations.
type ApprovalServiceDeps struct {
	Cycles          repositories.CycleRepository
	Recommendations repositories.RecommendationRepository
	Notifications   NotificationService
	Jobs            JobQueue
	UnitOfWork      repositories.UnitOfWork
	Audit           AuditLogService
	Clock           func() time.Time
	Logger          Logger
	BatchSize       int
}

type approvalService struct {
	cycles        repositories.CycleRepository
	recs          repositories.RecommendationRepository
	notifications NotificationService
	jobs          JobQueue
	uow           repositories.UnitOfWork
	audit         AuditLogService
	clock         func() time.Time
	logger        Logger
	batchSize     int
}

var _ ApprovalService = (*approvalService)(nil)

// NewApprovalService constructs the approval and escalation service.
func NewApprovalService(deps ApprovalServiceDeps) (ApprovalService, error) {
	switch {
	case deps.Cycles == nil:
		return nil, errors.New("approval service: cycle repository is required")
	case deps.Recommendations == nil:
		return nil, errors.New("approval service: recommendation repository is required")
	case deps.Notifications == nil:
		return nil, errors.New("approval service: notification service is required")
	case deps.Jobs == nil:
		return nil, errors.New("approval service: job queue is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("approval service: unit of work is required")
	}
	size := deps.BatchSize
	if size <= 0 {
		size = RecommendationBatchSize
	}
	return &approvalService{
		cycles:        deps.Cycles,
		recs:          deps.Recommendations,
		notifications: deps.Notifications,
		jobs:          deps.Jobs,
		uow:           deps.UnitOfWork,
		audit:         deps.Audit,
		clock:         utcClock(deps.Clock),
		logger:        loggerOrNoop(deps.Logger),
		batchSize:     size,
	}, nil
}

func (s *approvalService) GetApprovalChain(ctx context.Context, tenantID, cycleID string) ([]domain.Role, error) {
	cycle, err := loadCycle(ctx, s.cycles, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	if len(cycle.Settings.ApprovalChain) > 0 {
		return slices.Clone(cycle.Settings.ApprovalChain), nil
	}
	return slices.Clone(defaultApprovalChain), nil
}

type appliedDecision struct {
	id      string
	before  domain.RecommendationStatus
	after   domain.RecommendationStatus
	comment string
}

func (s *approvalService) BulkApproveReject(ctx context.Context, cmd BulkDecisionCommand) (BulkDecisionResult, error) {
	result := BulkDecisionResult{Total: len(cmd.Decisions)}
	if len(cmd.Decisions) == 0 {
		return result, fmt.Errorf("%w: decisions are required", ErrRecommendationInvalidInput)
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return result, err
	}

	for _, batch := range batches(cmd.Decisions, s.batchSize) {
		var (
			approved, rejected int
			itemErrs           []ItemError
			applied            []appliedDecision
		)
		err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
			approved, rejected, itemErrs, applied = 0, 0, nil, nil
			ids := make([]string, 0, len(batch))
			for _, d := range batch {
				ids = append(ids, strings.TrimSpace(d.RecommendationID))
			}
			found, err := s.recs.FindByIDs(txCtx, uniqueStrings(ids))
			if err != nil {
				return err
			}
			now := s.clock()
			staged := make(map[string]domain.Recommendation, len(batch))
			var order []string
			for _, d := range batch {
				id := strings.TrimSpace(d.RecommendationID)
				if d.Decision != domain.RecommendationStatusApproved && d.Decision != domain.RecommendationStatusRejected {
					itemErrs = append(itemErrs, ItemError{RecommendationID: id, Reason: fmt.Sprintf("decision must be APPROVED or REJECTED, got %q", d.Decision)})
					continue
				}
				rec, ok := staged[id]
				if !ok {
					rec, ok = found[id]
				}
				if !ok || rec.CycleID != cycle.ID {
					itemErrs = append(itemErrs, ItemError{RecommendationID: id, Reason: "recommendation not found"})
					continue
				}
				if !rec.Status.Decidable() {
					itemErrs = append(itemErrs, ItemError{RecommendationID: id, Reason: fmt.Sprintf("cannot approve/reject a recommendation in state %s", rec.Status)})
					continue
				}
				if rec.Locked {
					itemErrs = append(itemErrs, ItemError{RecommendationID: id, Reason: fmt.Sprintf("recommendation is locked by calibration session %s", rec.LockedBySession)})
					continue
				}
				before := rec.Status
				rec.Status = d.Decision
				rec.UpdatedAt = now
				if d.Decision == domain.RecommendationStatusApproved {
					at := now
					rec.ApproverUserID = strings.TrimSpace(cmd.ActorID)
					rec.ApprovedAt = &at
					approved++
				} else {
					rejected++
				}
				if _, seen := staged[id]; !seen {
					order = append(order, id)
				}
				staged[id] = rec
				applied = append(applied, appliedDecision{id: id, before: before, after: d.Decision, comment: textutil.PlainText(d.Comment, maxNotesLength)})
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
		if err != nil {
			return result, wrapRepoError("bulk approve", err)
		}
		result.Approved += approved
		result.Rejected += rejected
		result.Errors = append(result.Errors, itemErrs...)

		if s.audit != nil {
			for _, d := range applied {
				rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "recommendation.decide", recommendationRef(d.id))
				rec.Diff = map[string]AuditLogDiff{"status": {Before: string(d.before), After: string(d.after)}}
				if d.comment != "" {
					rec.Metadata = map[string]any{"comment": d.comment}
				}
				s.audit.Record(ctx, rec)
			}
		}
	}

	s.logger(ctx, "approval.bulk_decided", map[string]any{
		"cycleId":  cycle.ID,
		"approved": result.Approved,
		"rejected": result.Rejected,
		"errors":   len(result.Errors),
	})
	return result, nil
}

func (s *approvalService) ScheduleEscalation(ctx context.Context, cmd ScheduleEscalationCommand) (ScheduleEscalationResult, error) {
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return ScheduleEscalationResult{}, err
	}
	pending, err := s.recs.List(ctx, repositories.RecommendationFilter{
		CycleID:  cycle.ID,
		Statuses: []domain.RecommendationStatus{domain.RecommendationStatusSubmitted},
	})
	if err != nil {
		return ScheduleEscalationResult{}, wrapRepoError("list pending recommendations", err)
	}
	ids := make([]string, 0, len(pending))
	for _, rec := range pending {
		if !rec.Locked {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return ScheduleEscalationResult{}, nil
	}

	delay := DefaultEscalationDelay
	if ms := cycle.Settings.EscalationDelayMs; ms != nil && *ms > 0 {
		delay = time.Duration(*ms) * time.Millisecond
	}
	job, err := s.jobs.Enqueue(ctx, JobApprovalEscalate, EscalationPayload{
		TenantID:          cycle.TenantID,
		CycleID:           cycle.ID,
		RecommendationIDs: ids,
		TriggeredBy:       strings.TrimSpace(cmd.ActorID),
	}, jobs.EnqueueOptions{Delay: delay})
	if err != nil {
		return ScheduleEscalationResult{}, fmt.Errorf("schedule escalation: %w", err)
	}
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = s.clock().Add(delay)
	}

	s.logger(ctx, "approval.escalation_scheduled", map[string]any{"cycleId": cycle.ID, "jobId": job.ID, "count": len(ids)})
	if s.audit != nil {
		rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "approval.escalation.schedule", cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"jobId": job.ID, "count": len(ids), "runAt": runAt.Format(time.RFC3339), "delayMs": delay.Milliseconds()}
		s.audit.Record(ctx, rec)
	}
	return ScheduleEscalationResult{Scheduled: len(ids), JobID: job.ID, RunAt: &runAt}, nil
}

// ExecuteEscalation re-checks every recommendation inside the transaction that escalates it, so a
// decision committed first wins and the escalation skips that row.
func (s *approvalService) ExecuteEscalation(ctx context.Context, cmd ExecuteEscalationCommand) (EscalationResult, error) {
	ids := uniqueStrings(cmd.RecommendationIDs)
	result := EscalationResult{Total: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return result, err
	}

	for _, batch := range batches(ids, s.batchSize) {
		var escalated []string
		err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
			escalated = nil
			found, err := s.recs.FindByIDs(txCtx, batch)
			if err != nil {
				return err
			}
			now := s.clock()
			var changed []domain.Recommendation
			for _, id := range batch {
				rec, ok := found[id]
				if !ok || rec.CycleID != cycle.ID || rec.Status != domain.RecommendationStatusSubmitted || rec.Locked {
					continue
				}
				rec.Status = domain.RecommendationStatusEscalated
				rec.UpdatedAt = now
				changed = append(changed, rec)
				escalated = append(escalated, id)
			}
			if len(changed) == 0 {
				return nil
			}
			return s.recs.SaveAll(txCtx, changed)
		})
		if err != nil {
			return result, wrapRepoError("execute escalation", err)
		}
		result.Escalated += len(escalated)
		result.Skipped += len(batch) - len(escalated)

		if s.audit != nil {
			for _, id := range escalated {
				rec := auditRecord(ctx, cycle.TenantID, cmd.TriggeredBy, "recommendation.escalate", recommendationRef(id))
				rec.ActorType = "system"
				rec.Diff = map[string]AuditLogDiff{"status": {
					Before: string(domain.RecommendationStatusSubmitted),
					After:  string(domain.RecommendationStatusEscalated),
				}}
				rec.Metadata = map[string]any{"reason": escalationReason}
				s.audit.Record(ctx, rec)
			}
		}
	}

	s.logger(ctx, "approval.escalated", map[string]any{"cycleId": cycle.ID, "escalated": result.Escalated, "skipped": result.Skipped})
	return result, nil
}

func (s *approvalService) SendNudge(ctx context.Context, cmd SendNudgeCommand) (NudgeResult, error) {
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return NudgeResult{}, err
	}
	targets := uniqueStrings(cmd.Targets)
	if len(targets) == 0 {
		pending, err := s.recs.List(ctx, repositories.RecommendationFilter{
			CycleID:  cycle.ID,
			Statuses: []domain.RecommendationStatus{domain.RecommendationStatusSubmitted, domain.RecommendationStatusEscalated},
		})
		if err != nil {
			return NudgeResult{}, wrapRepoError("list pending recommendations", err)
		}
		approvers := make([]string, 0, len(pending))
		for _, rec := range pending {
			approvers = append(approvers, rec.ApproverUserID)
		}
		targets = uniqueStrings(approvers)
	}
	if len(targets) == 0 {
		return NudgeResult{}, nil
	}

	body := textutil.PlainText(cmd.Message, maxNotesLength)
	if body == "" {
		body = fmt.Sprintf("You have compensation recommendations awaiting your review in %s.", cycle.Name)
	}
	batch := make([]Notification, 0, len(targets))
	for _, userID := range targets {
		batch = append(batch, Notification{
			TenantID: cycle.TenantID,
			UserID:   userID,
			Type:     domain.NotificationTypeApprovalNudge,
			Title:    "Approvals pending",
			Body:     body,
			Metadata: map[string]any{"cycleId": cycle.ID, "sentBy": strings.TrimSpace(cmd.ActorID)},
		})
	}
	if _, err := s.notifications.CreateMany(ctx, batch); err != nil {
		return NudgeResult{}, fmt.Errorf("send nudge: %w", err)
	}

	s.logger(ctx, "approval.nudged", map[string]any{"cycleId": cycle.ID, "targets": len(targets)})
	if s.audit != nil {
		rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "approval.nudge", cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"targets": targets, "count": len(targets)}
		s.audit.Record(ctx, rec)
	}
	return NudgeResult{Nudged: len(targets), Targets: targets}, nil
}
