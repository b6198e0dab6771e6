package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/httpx"
	"github.com/meritflow/compcycle/internal/platform/observability"
)

// RateLimiter admits or rejects one more call for key in the current window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// localRateLimiter is a fixed-window counter per key, local to one instance.
type localRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

func newLocalRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &localRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *localRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = rateEntry{count: 1, reset: now.Add(l.window)}
		for k, e := range l.store {
			if now.After(e.reset) {
				delete(l.store, k)
			}
		}
		return true, nil
	}
	if entry.count >= l.limit {
		return false, nil
	}
	entry.count++
	l.store[key] = entry
	return true, nil
}

// rateWindowScript increments the counter and starts the window on its first hit.
var rateWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisRateLimiter shares fixed-window counters across replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisRateLimiter admits limit calls per key per window. Keys are stored under prefix.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if client == nil || limit <= 0 || window <= 0 {
		return nil
	}
	return &RedisRateLimiter{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		limit:  int64(limit),
		window: window,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.prefix + ":" + key
	n, err := rateWindowScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", redisKey, err)
	}
	return n <= l.limit, nil
}

// rateLimit rejects callers over the limiter's budget with 429. Callers are keyed by tenant and
// uid. A limiter backend error lets the call through.
func rateLimit(limiter RateLimiter, code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := "anonymous"
			if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
				key = identity.TenantID + ":" + identity.UID
			}
			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				observability.FromContext(ctx).Warn("rate limiter unavailable", zap.String("code", code), zap.Error(err))
				allowed = true
			}
			if !allowed {
				httpx.WriteError(ctx, w, httpx.NewError(code, "too many requests, try again later", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
