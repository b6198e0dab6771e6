package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix     = "compcycle:jobs"
	defaultVisibility = 5 * time.Minute
	defaultDedupeTTL  = 2 * time.Hour
)

// enqueueScript stores the job and schedules it unless the dedupe key already points at a job.
var enqueueScript = redis.NewScript(`
if ARGV[5] == "1" then
  local existing = redis.call("GET", KEYS[3])
  if existing then
    return {existing, redis.call("HGET", KEYS[1], existing)}
  end
  redis.call("SET", KEYS[3], ARGV[1], "PX", ARGV[4])
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return {ARGV[1]}
`)

// claimScript requeues jobs whose visibility window lapsed, then moves due jobs in flight.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("ZADD", KEYS[1], ARGV[1], id)
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  local payload = redis.call("HGET", KEYS[3], id)
  if payload then
    redis.call("ZADD", KEYS[2], ARGV[3], id)
    table.insert(out, payload)
  end
end
return out
`)

// RedisQueue keeps jobs in a hash keyed by ID and schedules them on sorted sets scored by due
// time in Unix milliseconds.
type RedisQueue struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration
	dedupeTTL  time.Duration
	clock      func() time.Time
}

// RedisOption customises a RedisQueue.
type RedisOption func(*RedisQueue)

// WithKeyPrefix namespaces every key the queue touches.
func WithKeyPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) {
		if p := strings.TrimSpace(prefix); p != "" {
			q.prefix = strings.TrimSuffix(p, ":")
		}
	}
}

// WithVisibilityTimeout sets how long a claimed job stays hidden before it is redelivered.
func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithDedupeTTL sets how long dedupe keys are retained.
func WithDedupeTTL(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.dedupeTTL = d
		}
	}
}

// WithQueueClock overrides the clock used to stamp enqueued jobs.
func WithQueueClock(clock func() time.Time) RedisOption {
	return func(q *RedisQueue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// NewRedisQueue constructs a Redis backed queue.
func NewRedisQueue(client redis.UniversalClient, opts ...RedisOption) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis queue: client is required")
	}
	q := &RedisQueue{
		client:     client,
		prefix:     defaultPrefix,
		visibility: defaultVisibility,
		dedupeTTL:  defaultDedupeTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

func (q *RedisQueue) jobsKey() string      { return q.prefix + ":jobs" }
func (q *RedisQueue) scheduledKey() string { return q.prefix + ":scheduled" }
func (q *RedisQueue) inflightKey() string  { return q.prefix + ":inflight" }
func (q *RedisQueue) dedupeKey(key string) string {
	return q.prefix + ":dedupe:" + key
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (Job, error) {
	job, err := newJob(name, payload, opts, q.clock())
	if err != nil {
		return Job{}, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("redis queue: marshal job: %w", err)
	}
	hasDedupe := "0"
	dedupeKey := q.dedupeKey("-")
	if job.DedupeKey != "" {
		hasDedupe = "1"
		dedupeKey = q.dedupeKey(job.DedupeKey)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobsKey(), q.scheduledKey(), dedupeKey},
		job.ID, string(data), job.RunAt.UnixMilli(), q.dedupeTTL.Milliseconds(), hasDedupe,
	).Slice()
	if err != nil {
		return Job{}, fmt.Errorf("redis queue: enqueue %s: %w", job.Name, err)
	}
	if len(res) == 0 {
		return Job{}, fmt.Errorf("redis queue: enqueue %s: empty reply", job.Name)
	}
	id, _ := res[0].(string)
	if id == job.ID {
		return job, nil
	}

	existing := Job{ID: id, Name: job.Name, DedupeKey: job.DedupeKey}
	if len(res) > 1 {
		if raw, ok := res[1].(string); ok {
			if err := json.Unmarshal([]byte(raw), &existing); err != nil {
				return Job{}, fmt.Errorf("redis queue: decode job %s: %w", id, err)
			}
		}
	}
	existing.Duplicate = true
	return existing, nil
}

// Claim implements Queue.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.inflightKey(), q.jobsKey()},
		now.UnixMilli(), limit, now.Add(q.visibility).UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis queue: claim: %w", err)
	}
	if len(raws) == 0 {
		return nil, nil
	}

	jobs := make([]Job, 0, len(raws))
	updates := make([]any, 0, len(raws)*2)
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("redis queue: decode claimed job: %w", err)
		}
		job.Attempts++
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("redis queue: marshal job %s: %w", job.ID, err)
		}
		updates = append(updates, job.ID, string(data))
		jobs = append(jobs, job)
	}
	if err := q.client.HSet(ctx, q.jobsKey(), updates...).Err(); err != nil {
		return nil, fmt.Errorf("redis queue: record attempts: %w", err)
	}
	return jobs, nil
}

// Ack implements Queue. The dedupe key is left to expire so the key keeps suppressing repeats.
func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.ZRem(ctx, q.scheduledKey(), job.ID)
		pipe.HDel(ctx, q.jobsKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis queue: ack %s: %w", job.ID, err)
	}
	return nil
}

// Retry implements Queue.
func (q *RedisQueue) Retry(ctx context.Context, job Job, runAt time.Time) error {
	job.RunAt = runAt.UTC()
	job.Duplicate = false
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis queue: marshal job %s: %w", job.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey(), job.ID, string(data))
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis queue: retry %s: %w", job.ID, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
