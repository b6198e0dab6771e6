package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/meritflow/compcycle/internal/platform/jobs"

// Job outcomes reported to Metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// Metrics receives per-job outcomes.
type Metrics interface {
	JobFinished(name, outcome string, duration time.Duration)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Queue        Queue
	Dispatcher   Dispatcher
	Locker       Locker
	Logger       *zap.Logger
	Metrics      Metrics
	Clock        func() time.Time
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Backoff      gax.Backoff
}

type schedule struct {
	name     string
	interval time.Duration
	payload  any
}

// Runner polls a Queue and hands due jobs to a Dispatcher. Failed jobs are retried with
// exponential backoff until MaxAttempts, then dropped.
type Runner struct {
	queue        Queue
	dispatcher   Dispatcher
	locker       Locker
	logger       *zap.Logger
	metrics      Metrics
	clock        func() time.Time
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	backoff      gax.Backoff

	tracer   trace.Tracer
	duration metric.Float64Histogram

	mu        sync.Mutex
	schedules []schedule
}

// NewRunner validates cfg and builds a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Queue == nil {
		return nil, errors.New("jobs runner: queue is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("jobs runner: dispatcher is required")
	}
	r := &Runner{
		queue:        cfg.Queue,
		dispatcher:   cfg.Dispatcher,
		locker:       cfg.Locker,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		backoff:      cfg.Backoff,
		tracer:       otel.Tracer(instrumentationName),
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.locker == nil {
		r.locker = NewLocalLocker(nil)
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.pollInterval <= 0 {
		r.pollInterval = time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 10
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.backoff.Initial <= 0 {
		r.backoff = gax.Backoff{Initial: 5 * time.Second, Max: 5 * time.Minute, Multiplier: 2}
	}

	hist, err := otel.GetMeterProvider().Meter(instrumentationName).Float64Histogram(
		"jobs.run.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of job handler runs"),
	)
	if err != nil {
		r.logger.Warn("jobs: unable to register duration metric", zap.Error(err))
	} else {
		r.duration = hist
	}
	return r, nil
}

// Every enqueues a job named name on each interval tick. Only the replica holding the schedule
// lease enqueues, and the tick window is used as a dedupe key.
func (r *Runner) Every(name string, interval time.Duration, payload any) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = append(r.schedules, schedule{name: name, interval: interval, payload: payload})
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	schedules := append([]schedule(nil), r.schedules...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range schedules {
		wg.Add(1)
		go func(s schedule) {
			defer wg.Done()
			r.runSchedule(ctx, s)
		}(s)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("jobs: poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) runSchedule(ctx context.Context, s schedule) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := r.Tick(ctx, s.name, s.interval, s.payload); err != nil && ctx.Err() == nil {
			r.logger.Warn("jobs: schedule tick failed", zap.String("job", s.name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduled enqueue of name for the interval window containing now.
func (r *Runner) Tick(ctx context.Context, name string, interval time.Duration, payload any) error {
	window := r.clock().UTC().Truncate(interval)
	release, ok, err := r.locker.TryLock(ctx, "schedule:"+name, interval/2)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("jobs: release schedule lock", zap.String("job", name), zap.Error(err))
		}
	}()

	job, err := r.queue.Enqueue(ctx, name, payload, EnqueueOptions{
		DedupeKey: fmt.Sprintf("schedule:%s:%s", name, window.Format(time.RFC3339)),
	})
	if err != nil {
		return err
	}
	if !job.Duplicate {
		r.logger.Debug("jobs: scheduled", zap.String("job", name), zap.String("jobId", job.ID))
	}
	return nil
}

// Poll claims one batch of due jobs and dispatches them. It returns how many were claimed.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	claimed, err := r.queue.Claim(ctx, r.clock().UTC(), r.batchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range claimed {
		r.process(ctx, job)
	}
	return len(claimed), nil
}

func (r *Runner) process(ctx context.Context, job Job) {
	ctx, span := r.tracer.Start(ctx, "jobs.run "+job.Name, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	logger := r.logger.With(zap.String("jobId", job.ID), zap.String("job", job.Name), zap.Int("attempt", job.Attempts))
	start := time.Now()
	err := r.dispatcher.Dispatch(ctx, job)
	elapsed := time.Since(start)
	if r.duration != nil {
		r.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("job.name", job.Name)))
	}

	if err == nil {
		if ackErr := r.queue.Ack(ctx, job); ackErr != nil {
			logger.Warn("jobs: ack failed", zap.Error(ackErr))
		}
		r.observe(job.Name, OutcomeSucceeded, elapsed)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, ErrNoHandler) || errors.Is(err, ErrInvalidJob) || job.Attempts >= r.maxAttempts {
		logger.Error("jobs: dropping job", zap.Error(err))
		if ackErr := r.queue.Ack(ctx, job); ackErr != nil {
			logger.Warn("jobs: ack failed", zap.Error(ackErr))
		}
		r.observe(job.Name, OutcomeDropped, elapsed)
		return
	}

	delay := r.retryDelay(job.Attempts)
	logger.Warn("jobs: retrying job", zap.Error(err), zap.Duration("delay", delay))
	if retryErr := r.queue.Retry(ctx, job, r.clock().UTC().Add(delay)); retryErr != nil {
		logger.Warn("jobs: retry scheduling failed", zap.Error(retryErr))
	}
	r.observe(job.Name, OutcomeRetried, elapsed)
}

// retryDelay walks a fresh copy of the backoff to the attempt number so delays do not depend on
// other jobs' history.
func (r *Runner) retryDelay(attempt int) time.Duration {
	bo := r.backoff
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = bo.Pause()
	}
	return d
}

func (r *Runner) observe(name, outcome string, d time.Duration) {
	if r.metrics != nil {
		r.metrics.JobFinished(name, outcome, d)
	}
}
