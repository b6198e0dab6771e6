package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

// ErrMonitorInvalidInput indicates a malformed monitor request.
var ErrMonitorInvalidInput = errors.New("monitor: invalid input")

const (
	// DefaultDriftThresholdPct applies when neither the call nor the cycle sets a threshold.
	DefaultDriftThresholdPct = 5.0
	// CriticalDriftPct separates HIGH from CRITICAL drift.
	CriticalDriftPct = 10.0

	monitorRunIDPrefix   = "mon_"
	monitorTracerName    = "github.com/meritflow/compcycle/internal/services"
	monitorTriggerManual = "manual"
)

// MonitorServiceDeps bundles collaborators for the monitor suite.
type MonitorServiceDeps struct {
	Cycles          repositories.CycleRepository
	Budgets         repositories.BudgetRepository
	Recommendations repositories.RecommendationRepository
	RuleSets        repositories.RuleSetRepository
	Members         repositories.TenantMemberRepository
	Notifications   NotificationService
	Evaluator       RuleEvaluator
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	Logger          Logger
	// DefaultThresholdPct overrides DefaultDriftThresholdPct.
	DefaultThresholdPct float64
	IDGenerator         func() string
}

type monitorService struct {
	cycles        repositories.CycleRepository
	budgets       repositories.BudgetRepository
	recs          repositories.RecommendationRepository
	ruleSets      repositories.RuleSetRepository
	members       repositories.TenantMemberRepository
	notifications NotificationService
	evaluator     RuleEvaluator
	uow           repositories.UnitOfWork
	clock         func() time.Time
	logger        Logger
	threshold     float64
	newID         func() string
	tracer        trace.Tracer
}

var _ MonitorService = (*monitorService)(nil)

// NewMonitorService constructs the monitor suite.
func NewMonitorService(deps MonitorServiceDeps) (MonitorService, error) {
	switch {
	case deps.Cycles == nil:
		return nil, errors.New("monitor service: cycle repository is required")
	case deps.Budgets == nil:
		return nil, errors.New("monitor service: budget repository is required")
	case deps.Recommendations == nil:
		return nil, errors.New("monitor service: recommendation repository is required")
	case deps.RuleSets == nil:
		return nil, errors.New("monitor service: rule set repository is required")
	case deps.Members == nil:
		return nil, errors.New("monitor service: member repository is required")
	case deps.Notifications == nil:
		return nil, errors.New("monitor service: notification service is required")
	case deps.Evaluator == nil:
		return nil, errors.New("monitor service: rule evaluator is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("monitor service: unit of work is required")
	}
	threshold := deps.DefaultThresholdPct
	if threshold <= 0 {
		threshold = DefaultDriftThresholdPct
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return newPrefixedID(monitorRunIDPrefix) }
	}
	return &monitorService{
		cycles:        deps.Cycles,
		budgets:       deps.Budgets,
		recs:          deps.Recommendations,
		ruleSets:      deps.RuleSets,
		members:       deps.Members,
		notifications: deps.Notifications,
		evaluator:     deps.Evaluator,
		uow:           deps.UnitOfWork,
		clock:         utcClock(deps.Clock),
		logger:        loggerOrNoop(deps.Logger),
		threshold:     threshold,
		newID:         newID,
		tracer:        otel.Tracer(monitorTracerName),
	}, nil
}

// cycleSnapshot is the point-in-time view every detector reads.
type cycleSnapshot struct {
	cycle   domain.Cycle
	budgets []domain.Budget
	recs    []domain.Recommendation
	now     time.Time
}

func (s *monitorService) loadSnapshot(ctx context.Context, tenantID, cycleID string) (cycleSnapshot, error) {
	cycle, err := loadCycle(ctx, s.cycles, tenantID, cycleID)
	if err != nil {
		return cycleSnapshot{}, err
	}
	budgets, err := s.budgets.ListByCycle(ctx, cycle.ID)
	if err != nil {
		return cycleSnapshot{}, wrapRepoError("load budgets", err)
	}
	recs, err := s.recs.List(ctx, repositories.RecommendationFilter{CycleID: cycle.ID})
	if err != nil {
		return cycleSnapshot{}, wrapRepoError("load recommendations", err)
	}
	return cycleSnapshot{cycle: cycle, budgets: budgets, recs: recs, now: s.clock()}, nil
}

// thresholdFor resolves the drift threshold: explicit override, then cycle setting, then default.
func (s *monitorService) thresholdFor(cycle domain.Cycle, override *float64) (float64, error) {
	if override != nil {
		if *override < 0 || math.IsNaN(*override) {
			return 0, fmt.Errorf("%w: threshold must not be negative", ErrMonitorInvalidInput)
		}
		return *override, nil
	}
	if v := cycle.Settings.DriftThresholdPct; v != nil && *v >= 0 {
		return *v, nil
	}
	return s.threshold, nil
}

func (s *monitorService) DetectBudgetDrift(ctx context.Context, q MonitorQuery) (domain.BudgetDriftResult, error) {
	ctx, span := s.tracer.Start(ctx, "monitor.budget_drift", trace.WithAttributes(attribute.String("cycle.id", q.CycleID)))
	defer span.End()
	snap, err := s.loadSnapshot(ctx, q.TenantID, q.CycleID)
	if err != nil {
		return domain.BudgetDriftResult{}, spanError(span, err)
	}
	threshold, err := s.thresholdFor(snap.cycle, q.ThresholdPct)
	if err != nil {
		return domain.BudgetDriftResult{}, spanError(span, err)
	}
	return detectBudgetDrift(snap, threshold), nil
}

func (s *monitorService) DetectPolicyViolations(ctx context.Context, q MonitorQuery) (domain.PolicyViolationResult, error) {
	ctx, span := s.tracer.Start(ctx, "monitor.policy_violations", trace.WithAttributes(attribute.String("cycle.id", q.CycleID)))
	defer span.End()
	snap, err := s.loadSnapshot(ctx, q.TenantID, q.CycleID)
	if err != nil {
		return domain.PolicyViolationResult{}, spanError(span, err)
	}
	result, err := s.detectPolicy(ctx, snap)
	if err != nil {
		return domain.PolicyViolationResult{}, spanError(span, err)
	}
	return result, nil
}

func (s *monitorService) DetectOutliers(ctx context.Context, q MonitorQuery) (domain.OutlierResult, error) {
	ctx, span := s.tracer.Start(ctx, "monitor.outliers", trace.WithAttributes(attribute.String("cycle.id", q.CycleID)))
	defer span.End()
	snap, err := s.loadSnapshot(ctx, q.TenantID, q.CycleID)
	if err != nil {
		return domain.OutlierResult{}, spanError(span, err)
	}
	return detectOutliers(snap), nil
}

func (s *monitorService) GenerateSummary(ctx context.Context, q MonitorQuery) (domain.ExecutiveSummary, error) {
	ctx, span := s.tracer.Start(ctx, "monitor.summary", trace.WithAttributes(attribute.String("cycle.id", q.CycleID)))
	defer span.End()
	snap, err := s.loadSnapshot(ctx, q.TenantID, q.CycleID)
	if err != nil {
		return domain.ExecutiveSummary{}, spanError(span, err)
	}
	threshold, err := s.thresholdFor(snap.cycle, q.ThresholdPct)
	if err != nil {
		return domain.ExecutiveSummary{}, spanError(span, err)
	}
	drift, policy, outliers, err := s.runDetectors(ctx, snap, threshold)
	if err != nil {
		return domain.ExecutiveSummary{}, spanError(span, err)
	}
	return buildSummary(snap, drift, policy, outliers), nil
}

// runDetectors runs the three detectors concurrently over one snapshot.
func (s *monitorService) runDetectors(ctx context.Context, snap cycleSnapshot, threshold float64) (domain.BudgetDriftResult, domain.PolicyViolationResult, domain.OutlierResult, error) {
	var (
		wg        sync.WaitGroup
		drift     domain.BudgetDriftResult
		policy    domain.PolicyViolationResult
		outliers  domain.OutlierResult
		policyErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		drift = detectBudgetDrift(snap, threshold)
	}()
	go func() {
		defer wg.Done()
		policy, policyErr = s.detectPolicy(ctx, snap)
	}()
	go func() {
		defer wg.Done()
		outliers = detectOutliers(snap)
	}()
	wg.Wait()
	return drift, policy, outliers, policyErr
}

func (s *monitorService) detectPolicy(ctx context.Context, snap cycleSnapshot) (domain.PolicyViolationResult, error) {
	sets, err := s.ruleSets.ListActive(ctx, snap.cycle.TenantID)
	if err != nil {
		return domain.PolicyViolationResult{}, wrapRepoError("load rule sets", err)
	}
	return detectPolicyViolations(ctx, s.evaluator, snap, sets, s.logger), nil
}

// CreateAlerts notifies the tenant's first ADMIN. With no ADMIN the alerts are dropped with a
// warning.
func (s *monitorService) CreateAlerts(ctx context.Context, alerts []domain.MonitorAlert) (int, error) {
	if len(alerts) == 0 {
		return 0, nil
	}
	tenantID := alerts[0].TenantID
	admins, err := s.members.ListByRole(ctx, tenantID, domain.RoleAdmin)
	if err != nil {
		return 0, wrapRepoError("resolve alert recipient", err)
	}
	if len(admins) == 0 {
		s.logger(ctx, "monitor.alerts_unrouted", map[string]any{
			"severity": "warn",
			"tenantId": tenantID,
			"cycleId":  alerts[0].CycleID,
			"alerts":   len(alerts),
		})
		return 0, nil
	}
	recipient := admins[0].UserID
	batch := make([]Notification, 0, len(alerts))
	for _, alert := range alerts {
		meta := map[string]any{
			"cycleId":   alert.CycleID,
			"alertType": string(alert.AlertType),
			"severity":  string(alert.Severity),
		}
		for k, v := range alert.Details {
			meta[k] = v
		}
		batch = append(batch, Notification{
			TenantID: alert.TenantID,
			UserID:   recipient,
			Type:     domain.NotificationTypeMonitorAlert,
			Title:    alert.Title,
			Body:     alertBody(alert),
			Metadata: meta,
		})
	}
	created, err := s.notifications.CreateMany(ctx, batch)
	if err != nil {
		return 0, err
	}
	return len(created), nil
}

// RunMonitors is the body of the monitor.run job.
func (s *monitorService) RunMonitors(ctx context.Context, cmd MonitorRunCommand) (domain.MonitorRunRecord, error) {
	ctx, span := s.tracer.Start(ctx, "monitor.run", trace.WithAttributes(
		attribute.String("cycle.id", cmd.CycleID),
		attribute.String("monitor.trigger", cmd.Trigger),
	))
	defer span.End()

	started := s.clock()
	snap, err := s.loadSnapshot(ctx, cmd.TenantID, cmd.CycleID)
	if err != nil {
		return domain.MonitorRunRecord{}, spanError(span, err)
	}
	threshold, err := s.thresholdFor(snap.cycle, nil)
	if err != nil {
		return domain.MonitorRunRecord{}, spanError(span, err)
	}
	drift, policy, outliers, err := s.runDetectors(ctx, snap, threshold)
	if err != nil {
		return domain.MonitorRunRecord{}, spanError(span, err)
	}

	trigger := strings.TrimSpace(cmd.Trigger)
	if trigger == "" {
		trigger = monitorTriggerManual
	}
	run := domain.MonitorRunRecord{
		RunID:            s.newID(),
		Trigger:          trigger,
		StartedAt:        started,
		OverallDriftPct:  drift.OverallDriftPct,
		DriftExceeded:    drift.Exceeded,
		DepartmentsOver:  len(drift.ExceededDepartments()),
		Violations:       len(policy.Violations),
		CriticalFindings: policy.CriticalCount() + outliers.BySeverity[domain.SeverityCritical],
		Outliers:         len(outliers.Outliers),
		Errors:           append([]string(nil), policy.EvaluationErrors...),
	}
	for _, alerts := range [][]domain.MonitorAlert{
		budgetDriftAlerts(snap.cycle, drift),
		policyViolationAlerts(snap.cycle, policy),
		outlierAlerts(snap.cycle, outliers),
	} {
		n, err := s.CreateAlerts(ctx, alerts)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("create alerts: %v", err))
			continue
		}
		run.AlertsCreated += n
	}
	run.CompletedAt = s.clock()

	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.cycles.FindByID(txCtx, snap.cycle.ID)
		if err != nil {
			return err
		}
		current.Settings.AppendMonitorRun(run)
		return s.cycles.Update(txCtx, current)
	})
	if err != nil {
		return run, spanError(span, wrapRepoError("record monitor run", err))
	}

	span.SetAttributes(attribute.Int("monitor.alerts", run.AlertsCreated), attribute.Int("monitor.violations", run.Violations))
	s.logger(ctx, "monitor.run_completed", map[string]any{
		"cycleId":    snap.cycle.ID,
		"runId":      run.RunID,
		"trigger":    run.Trigger,
		"alerts":     run.AlertsCreated,
		"violations": run.Violations,
		"outliers":   run.Outliers,
		"driftPct":   run.OverallDriftPct,
	})
	return run, nil
}

func alertBody(alert domain.MonitorAlert) string {
	if msg, ok := alert.Details["message"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("%s alert (%s) for cycle %s", alert.AlertType, alert.Severity, alert.CycleID)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// cycleDays returns elapsed, remaining, and total whole days of the cycle at now. Elapsed is at
// least 0, remaining and total at least 1.
func cycleDays(cycle domain.Cycle, now time.Time) (elapsed, remaining, total int) {
	const day = 24 * time.Hour
	if cycle.StartDate.IsZero() || cycle.EndDate.IsZero() {
		return 0, 1, 1
	}
	total = max(int(math.Ceil(float64(cycle.EndDate.Sub(cycle.StartDate))/float64(day))), 1)
	elapsed = max(int(now.Sub(cycle.StartDate)/day), 0)
	remaining = max(int(math.Ceil(float64(cycle.EndDate.Sub(now))/float64(day))), 1)
	return elapsed, remaining, total
}
