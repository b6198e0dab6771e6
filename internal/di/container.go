package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meritflow/compcycle/internal/platform/config"
	"github.com/meritflow/compcycle/internal/platform/jobs"
	"github.com/meritflow/compcycle/internal/platform/observability"
	"github.com/meritflow/compcycle/internal/repositories"
	"github.com/meritflow/compcycle/internal/rules"
	"github.com/meritflow/compcycle/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Audit           services.AuditLogService
	Notifications   services.NotificationService
	Cycles          services.CycleService
	Budgets         services.BudgetService
	Recommendations services.RecommendationService
	Approvals       services.ApprovalService
	Calibration     services.CalibrationService
	Monitors        services.MonitorService
	Scheduler       services.MonitorScheduler
	// Exports is nil when no export store is configured.
	Exports services.SummaryExportService
	// System is nil when the registry exposes no health repository.
	System services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	// Handlers runs jobs in-process. The push endpoint and the local runner both dispatch to it.
	Handlers *jobs.LocalDispatcher
	Queue    jobs.Queue
	Runner   *jobs.Runner
}

// Option overrides infrastructure the container would otherwise default to in-memory.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	clock      func() time.Time
	queue      jobs.Queue
	locker     jobs.Locker
	dispatcher jobs.Dispatcher
	exports    services.ExportStore
	metrics    jobs.Metrics
	build      services.BuildInfo
}

// WithLogger sets the base logger for services and the job runner.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithQueue replaces the in-memory job queue.
func WithQueue(queue jobs.Queue) Option {
	return func(o *options) { o.queue = queue }
}

// WithLocker replaces the process-local locker used for schedules and monitor runs.
func WithLocker(locker jobs.Locker) Option {
	return func(o *options) { o.locker = locker }
}

// WithDispatcher routes claimed jobs somewhere other than the in-process handlers, e.g. Pub/Sub.
func WithDispatcher(d jobs.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithExportStore enables summary exports.
func WithExportStore(store services.ExportStore) Option {
	return func(o *options) { o.exports = store }
}

// WithJobMetrics records job outcomes.
func WithJobMetrics(m jobs.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBuildInfo sets the build metadata reported by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

// NewContainer constructs the runtime dependencies. Production wiring passes Firestore, Redis and
// Pub/Sub backed infrastructure, while tests can rely on the in-memory defaults.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.queue == nil {
		o.queue = jobs.NewMemoryQueue(o.clock)
	}
	if o.locker == nil {
		o.locker = jobs.NewLocalLocker(o.clock)
	}

	if err := seedRules(ctx, cfg, reg, o); err != nil {
		return nil, err
	}

	svc, err := buildServices(reg, cfg, o)
	if err != nil {
		return nil, err
	}

	handlers := jobs.NewLocalDispatcher()
	services.JobHandlers{
		Approvals: svc.Approvals,
		Monitors:  svc.Monitors,
		Scheduler: svc.Scheduler,
		Logger:    observability.EventLogger(o.logger.Named("jobs")),
		Locker:    o.locker,
		LockTTL:   cfg.Monitor.LockTTL,
	}.Register(handlers)

	dispatcher := o.dispatcher
	if dispatcher == nil {
		dispatcher = handlers
	}
	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Queue:        o.queue,
		Dispatcher:   dispatcher,
		Locker:       o.locker,
		Logger:       o.logger.Named("jobs"),
		Metrics:      o.metrics,
		Clock:        o.clock,
		PollInterval: cfg.Jobs.PollInterval,
		BatchSize:    cfg.Jobs.BatchSize,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("build job runner: %w", err)
	}
	if cfg.Monitor.Enabled {
		runner.Every(services.JobMonitorFanout, cfg.Monitor.FanoutInterval, nil)
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Handlers:     handlers,
		Queue:        o.queue,
		Runner:       runner,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func seedRules(ctx context.Context, cfg config.Config, reg repositories.Registry, o options) error {
	if cfg.Rules.SeedFile == "" {
		return nil
	}
	sets, err := rules.LoadFile(cfg.Rules.SeedFile, o.clock().UTC())
	if err != nil {
		return fmt.Errorf("load rule sets: %w", err)
	}
	if err := rules.Seed(ctx, reg.RuleSets(), sets); err != nil {
		return err
	}
	o.logger.Info("rule sets seeded", zap.String("file", cfg.Rules.SeedFile), zap.Int("count", len(sets)))
	return nil
}

func buildServices(reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	var svc Services
	logger := func(name string) services.Logger {
		return observability.EventLogger(o.logger.Named(name))
	}

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      o.clock,
		Logger:     logger("audit"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = audit

	if svc.Notifications, err = services.NewNotificationService(services.NotificationServiceDeps{
		Repository: reg.Notifications(),
		Clock:      o.clock,
		Logger:     logger("notifications"),
	}); err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}

	if svc.Cycles, err = services.NewCycleService(services.CycleServiceDeps{
		Cycles:          reg.Cycles(),
		Recommendations: reg.Recommendations(),
		UnitOfWork:      reg,
		Audit:           audit,
		Clock:           o.clock,
		Logger:          logger("cycles"),
	}); err != nil {
		return Services{}, fmt.Errorf("build cycle service: %w", err)
	}

	if svc.Budgets, err = services.NewBudgetService(services.BudgetServiceDeps{
		Cycles:          reg.Cycles(),
		Budgets:         reg.Budgets(),
		Recommendations: reg.Recommendations(),
		UnitOfWork:      reg,
		Audit:           audit,
		Clock:           o.clock,
		Logger:          logger("budgets"),
	}); err != nil {
		return Services{}, fmt.Errorf("build budget service: %w", err)
	}

	if svc.Recommendations, err = services.NewRecommendationService(services.RecommendationServiceDeps{
		Cycles:          reg.Cycles(),
		Recommendations: reg.Recommendations(),
		Employees:       reg.Employees(),
		Budgets:         svc.Budgets,
		UnitOfWork:      reg,
		Audit:           audit,
		Clock:           o.clock,
		Logger:          logger("recommendations"),
	}); err != nil {
		return Services{}, fmt.Errorf("build recommendation service: %w", err)
	}

	if svc.Approvals, err = services.NewApprovalService(services.ApprovalServiceDeps{
		Cycles:          reg.Cycles(),
		Recommendations: reg.Recommendations(),
		Notifications:   svc.Notifications,
		Jobs:            o.queue,
		UnitOfWork:      reg,
		Audit:           audit,
		Clock:           o.clock,
		Logger:          logger("approvals"),
	}); err != nil {
		return Services{}, fmt.Errorf("build approval service: %w", err)
	}

	if svc.Calibration, err = services.NewCalibrationService(services.CalibrationServiceDeps{
		Cycles:          reg.Cycles(),
		Recommendations: reg.Recommendations(),
		Sessions:        reg.CalibrationSessions(),
		Budgets:         svc.Budgets,
		UnitOfWork:      reg,
		Audit:           audit,
		Clock:           o.clock,
		Logger:          logger("calibration"),
	}); err != nil {
		return Services{}, fmt.Errorf("build calibration service: %w", err)
	}

	if svc.Monitors, err = services.NewMonitorService(services.MonitorServiceDeps{
		Cycles:              reg.Cycles(),
		Budgets:             reg.Budgets(),
		Recommendations:     reg.Recommendations(),
		RuleSets:            reg.RuleSets(),
		Members:             reg.Members(),
		Notifications:       svc.Notifications,
		Evaluator:           rules.NewEngine(o.clock),
		UnitOfWork:          reg,
		Clock:               o.clock,
		Logger:              logger("monitors"),
		DefaultThresholdPct: cfg.Monitor.DriftThresholdPct,
	}); err != nil {
		return Services{}, fmt.Errorf("build monitor service: %w", err)
	}

	if svc.Scheduler, err = services.NewMonitorScheduler(services.MonitorSchedulerDeps{
		Cycles: reg.Cycles(),
		Jobs:   o.queue,
		Audit:  audit,
		Clock:  o.clock,
		Logger: logger("monitors"),
	}); err != nil {
		return Services{}, fmt.Errorf("build monitor scheduler: %w", err)
	}

	if o.exports != nil {
		if svc.Exports, err = services.NewSummaryExportService(services.SummaryExportServiceDeps{
			Monitors: svc.Monitors,
			Store:    o.exports,
			Audit:    audit,
			Clock:    o.clock,
			Logger:   logger("exports"),
			Prefix:   cfg.Storage.ExportsPrefix,
		}); err != nil {
			return Services{}, fmt.Errorf("build summary export service: %w", err)
		}
	}

	if health := reg.Health(); health != nil {
		if svc.System, err = services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            o.clock,
			Build:            o.build,
			Audit:            audit,
		}); err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
	}

	return svc, nil
}
