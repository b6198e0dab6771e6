package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/jobs"
	"github.com/meritflow/compcycle/internal/repositories"
)

const monitorTriggerScheduled = "scheduled"

// MonitorSchedulerDeps bundles collaborators for monitor scheduling.
type MonitorSchedulerDeps struct {
	Cycles repositories.CycleRepository
	Jobs   JobQueue
	Audit  AuditLogService
	Clock  func() time.Time
	Logger Logger
}

type monitorScheduler struct {
	cycles repositories.CycleRepository
	jobs   JobQueue
	audit  AuditLogService
	clock  func() time.Time
	logger Logger
}

var _ MonitorScheduler = (*monitorScheduler)(nil)

// NewMonitorScheduler constructs the service behind the hourly fan-out and manual triggers.
func NewMonitorScheduler(deps MonitorSchedulerDeps) (MonitorScheduler, error) {
	if deps.Cycles == nil {
		return nil, errors.New("monitor scheduler: cycle repository is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("monitor scheduler: job queue is required")
	}
	return &monitorScheduler{
		cycles: deps.Cycles,
		jobs:   deps.Jobs,
		audit:  deps.Audit,
		clock:  utcClock(deps.Clock),
		logger: loggerOrNoop(deps.Logger),
	}, nil
}

// FanOut enqueues one monitor.run per monitored cycle. Runs are deduplicated per cycle and hour,
// so a repeated fan-out within the hour enqueues nothing new.
func (s *monitorScheduler) FanOut(ctx context.Context) (int, error) {
	cycles, err := s.cycles.ListByStatus(ctx, domain.MonitoredCycleStatuses)
	if err != nil {
		return 0, wrapRepoError("list monitored cycles", err)
	}
	hour := s.clock().Truncate(time.Hour).Format("2006010215")
	enqueued := 0
	var errs []error
	for _, cycle := range cycles {
		job, err := s.jobs.Enqueue(ctx, JobMonitorRun, MonitorRunPayload{
			TenantID: cycle.TenantID,
			CycleID:  cycle.ID,
			Trigger:  monitorTriggerScheduled,
		}, jobs.EnqueueOptions{DedupeKey: monitorDedupeKey(cycle.ID, hour)})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue monitor run for %s: %w", cycle.ID, err))
			continue
		}
		if !job.Duplicate {
			enqueued++
		}
	}
	s.logger(ctx, "monitor.fanout", map[string]any{"cycles": len(cycles), "enqueued": enqueued, "failed": len(errs)})
	return enqueued, errors.Join(errs...)
}

func (s *monitorScheduler) TriggerManualRun(ctx context.Context, cmd TriggerMonitorRunCommand) (jobs.Job, error) {
	cycle, err := loadCycle(ctx, s.cycles, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return jobs.Job{}, err
	}
	if cycle.Status.IsTerminal() {
		return jobs.Job{}, fmt.Errorf("%w: cycle is %s", ErrCycleInvalidState, cycle.Status)
	}
	job, err := s.jobs.Enqueue(ctx, JobMonitorRun, MonitorRunPayload{
		TenantID: cycle.TenantID,
		CycleID:  cycle.ID,
		Trigger:  monitorTriggerManual,
	}, jobs.EnqueueOptions{})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("trigger monitor run: %w", err)
	}
	s.logger(ctx, "monitor.triggered", map[string]any{"cycleId": cycle.ID, "jobId": job.ID})
	if s.audit != nil {
		rec := auditRecord(ctx, cycle.TenantID, cmd.ActorID, "monitor.trigger", cycleRef(cycle.ID))
		rec.Metadata = map[string]any{"jobId": job.ID}
		s.audit.Record(ctx, rec)
	}
	return job, nil
}

const defaultMonitorLockTTL = 5 * time.Minute

func monitorDedupeKey(cycleID, hour string) string {
	return "monitor:" + cycleID + ":" + hour
}

// JobHandlers binds the background job names to the services that execute them.
type JobHandlers struct {
	Approvals ApprovalService
	Monitors  MonitorService
	Scheduler MonitorScheduler
	Logger    Logger
	// Locker, when set, keeps two replicas from running monitors for the same cycle at once.
	Locker  jobs.Locker
	LockTTL time.Duration
}

// Register installs every handler on the dispatcher.
func (h JobHandlers) Register(d *jobs.LocalDispatcher) {
	logger := loggerOrNoop(h.Logger)
	d.Handle(JobApprovalEscalate, func(ctx context.Context, job jobs.Job) error {
		var payload EscalationPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		_, err := h.Approvals.ExecuteEscalation(ctx, ExecuteEscalationCommand{
			TenantID:          payload.TenantID,
			CycleID:           payload.CycleID,
			RecommendationIDs: payload.RecommendationIDs,
			TriggeredBy:       firstNonEmpty(payload.TriggeredBy, "system"),
		})
		return dropIfGone(ctx, logger, job, err)
	})
	d.Handle(JobMonitorFanout, func(ctx context.Context, _ jobs.Job) error {
		_, err := h.Scheduler.FanOut(ctx)
		return err
	})
	d.Handle(JobMonitorRun, func(ctx context.Context, job jobs.Job) error {
		var payload MonitorRunPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		if strings.TrimSpace(payload.CycleID) == "" {
			return fmt.Errorf("%w: monitor.run without cycleId", jobs.ErrInvalidJob)
		}
		if h.Locker != nil {
			ttl := h.LockTTL
			if ttl <= 0 {
				ttl = defaultMonitorLockTTL
			}
			release, ok, err := h.Locker.TryLock(ctx, "monitor.run:"+payload.CycleID, ttl)
			if err != nil {
				return err
			}
			if !ok {
				logger(ctx, "monitor.run_skipped", map[string]any{"jobId": job.ID, "cycleId": payload.CycleID, "reason": "locked"})
				return nil
			}
			defer func() { _ = release(context.WithoutCancel(ctx)) }()
		}
		_, err := h.Monitors.RunMonitors(ctx, MonitorRunCommand{
			TenantID: payload.TenantID,
			CycleID:  payload.CycleID,
			Trigger:  payload.Trigger,
		})
		return dropIfGone(ctx, logger, job, err)
	})
}

// dropIfGone acknowledges jobs whose cycle has been deleted, since retrying cannot succeed.
func dropIfGone(ctx context.Context, logger Logger, job jobs.Job, err error) error {
	if errors.Is(err, ErrCycleNotFound) {
		logger(ctx, "jobs.target_missing", map[string]any{"severity": "warn", "jobId": job.ID, "job": job.Name, "error": err.Error()})
		return nil
	}
	return err
}
