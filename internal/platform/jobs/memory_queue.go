package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local Queue used in tests and single-instance development.
type MemoryQueue struct {
	mu         sync.Mutex
	clock      func() time.Time
	visibility time.Duration
	dedupeTTL  time.Duration

	jobs     map[string]Job
	inflight map[string]time.Time
	dedupe   map[string]dedupeEntry
}

type dedupeEntry struct {
	jobID     string
	expiresAt time.Time
}

// NewMemoryQueue returns an empty queue. A nil clock reads the wall clock.
func NewMemoryQueue(clock func() time.Time) *MemoryQueue {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryQueue{
		clock:      clock,
		visibility: defaultVisibility,
		dedupeTTL:  defaultDedupeTTL,
		jobs:       make(map[string]Job),
		inflight:   make(map[string]time.Time),
		dedupe:     make(map[string]dedupeEntry),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	now := q.clock().UTC()
	job, err := newJob(name, payload, opts, now)
	if err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if job.DedupeKey != "" {
		if entry, ok := q.dedupe[job.DedupeKey]; ok && now.Before(entry.expiresAt) {
			existing, found := q.jobs[entry.jobID]
			if !found {
				existing = Job{ID: entry.jobID, Name: job.Name, DedupeKey: job.DedupeKey}
			}
			existing.Duplicate = true
			return existing, nil
		}
		q.dedupe[job.DedupeKey] = dedupeEntry{jobID: job.ID, expiresAt: now.Add(q.dedupeTTL)}
	}
	q.jobs[job.ID] = job
	return job, nil
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, until := range q.inflight {
		if !now.Before(until) {
			delete(q.inflight, id)
		}
	}
	var due []Job
	for id, job := range q.jobs {
		if _, hidden := q.inflight[id]; hidden {
			continue
		}
		if !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Attempts++
		q.jobs[due[i].ID] = due[i]
		q.inflight[due[i].ID] = now.Add(q.visibility)
	}
	return due, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, job.ID)
	delete(q.inflight, job.ID)
	return nil
}

// Retry implements Queue.
func (q *MemoryQueue) Retry(ctx context.Context, job Job, runAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok {
		return nil
	}
	stored.RunAt = runAt.UTC()
	stored.Attempts = job.Attempts
	q.jobs[job.ID] = stored
	delete(q.inflight, job.ID)
	return nil
}

// Pending returns the jobs not yet acked, ordered by run time.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}
