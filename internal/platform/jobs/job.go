// Package jobs provides a delayed job queue with Redis and in-memory backends, a polling runner,
// and dispatchers that deliver claimed jobs in-process or through Pub/Sub push.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meritflow/compcycle/internal/platform/requestctx"
)

const jobIDPrefix = "job_"

var (
	// ErrNoHandler is returned when a job name has no registered handler.
	ErrNoHandler = errors.New("jobs: no handler registered")
	// ErrInvalidJob is returned for jobs missing a name or carrying an unusable payload.
	ErrInvalidJob = errors.New("jobs: invalid job")
)

// Job is a unit of deferred work.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DedupeKey  string          `json:"dedupeKey,omitempty"`
	RunAt      time.Time       `json:"runAt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`

	// Duplicate is set by Enqueue when the dedupe key matched an earlier job.
	Duplicate bool `json:"-"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidJob, j.Name)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidJob, j.Name, err)
	}
	return nil
}

// EnqueueOptions tune scheduling of a single job.
type EnqueueOptions struct {
	// Delay postpones the first run.
	Delay time.Duration
	// DedupeKey suppresses a second enqueue with the same key while the key is retained.
	DedupeKey string
}

// Queue stores jobs until they are due.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (Job, error)
	// Claim returns up to limit jobs due at now and hides them from further claims until they
	// are acked, retried, or their visibility window lapses.
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Ack(ctx context.Context, job Job) error
	Retry(ctx context.Context, job Job, runAt time.Time) error
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Dispatcher delivers a claimed job to whoever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

func newJob(name string, payload any, opts EnqueueOptions, now time.Time) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("%w: marshal payload: %v", ErrInvalidJob, err)
		}
		raw = data
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	now = now.UTC()
	return Job{
		ID:         jobIDPrefix + ulid.Make().String(),
		Name:       name,
		Payload:    raw,
		DedupeKey:  strings.TrimSpace(opts.DedupeKey),
		RunAt:      now.Add(delay),
		EnqueuedAt: now,
	}, nil
}

// LocalDispatcher runs jobs in-process through registered handlers.
type LocalDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalDispatcher returns an empty dispatcher.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{handlers: make(map[string]Handler)}
}

// Handle registers h for jobs named name, replacing any earlier handler.
func (d *LocalDispatcher) Handle(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch runs the handler registered for job.Name.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.mu.RLock()
	h, ok := d.handlers[job.Name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Name)
	}
	return h(requestctx.WithJobID(ctx, job.ID), job)
}
