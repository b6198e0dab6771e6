package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker grants short-lived exclusive leases across replicas.
type Locker interface {
	// TryLock obtains key for ttl without waiting. ok is false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// RedisLocker leases keys through redislock.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker wraps a redis client in a lock client.
func NewRedisLocker(client redis.UniversalClient) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker: client is required")
	}
	return &RedisLocker{client: redislock.New(client), prefix: "compcycle:lock:"}, nil
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis locker: obtain %s: %w", key, err)
	}
	release := func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("redis locker: release %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker is a process-local Locker.
type LocalLocker struct {
	mu     sync.Mutex
	clock  func() time.Time
	leases map[string]time.Time
}

// NewLocalLocker returns a LocalLocker. A nil clock reads the wall clock.
func NewLocalLocker(clock func() time.Time) *LocalLocker {
	if clock == nil {
		clock = time.Now
	}
	return &LocalLocker{clock: clock, leases: make(map[string]time.Time)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if until, held := l.leases[key]; held && now.Before(until) {
		return nil, false, nil
	}
	expires := now.Add(ttl)
	l.leases[key] = expires
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.leases[key].Equal(expires) {
			delete(l.leases, key)
		}
		return nil
	}
	return release, true, nil
}
