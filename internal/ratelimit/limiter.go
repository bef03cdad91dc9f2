// Package ratelimit provides sliding-window rate limiting keyed by scope and
// identifier (user, channel, skill).
//
// When a shared redis store is available the window is kept in a sorted set
// so limits hold across processes; otherwise an in-process limiter with the
// same interface is used.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures one rate-limit window.
type Config struct {
	// MaxRequests is the number of requests allowed per window.
	MaxRequests int `yaml:"max_requests"`
	// Window is the sliding window length.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 10,
		Window:      time.Minute,
	}
}

// Limiter admits or rejects requests for a scope+identifier pair. A rejected
// request carries a retry-after hint; limiters never return an error for
// over-limit traffic.
type Limiter interface {
	// Allow records a request for scope:id and reports whether it is
	// admitted. When denied, retryAfter estimates how long until the
	// oldest request leaves the window.
	Allow(ctx context.Context, scope, id string) (ok bool, retryAfter time.Duration, err error)
}

// Key builds the shared-store key for a scope and identifier.
func Key(scope, id string) string {
	return "ratelimit:" + scope + ":" + id
}

// RedisLimiter keeps windows in redis sorted sets so multiple processes
// share one budget.
type RedisLimiter struct {
	client redis.Cmdable
	config Config
	now    func() time.Time
}

// NewRedisLimiter creates a distributed sliding-window limiter.
func NewRedisLimiter(client redis.Cmdable, config Config) *RedisLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RedisLimiter{client: client, config: config, now: time.Now}
}

// Allow implements Limiter. The window is trimmed, counted, and appended in
// one pipelined round trip.
func (l *RedisLimiter) Allow(ctx context.Context, scope, id string) (bool, time.Duration, error) {
	key := Key(scope, id)
	now := l.now()
	nowMs := now.UnixMilli()
	cutoff := now.Add(-l.config.Window).UnixMilli()

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("ratelimit pipeline: %w", err)
	}

	count := countCmd.Val()
	if count >= int64(l.config.MaxRequests) {
		retryAfter := l.config.Window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestMs := int64(oldest[0].Score)
			retryAfter = time.Duration(oldestMs+l.config.Window.Milliseconds()-nowMs) * time.Millisecond
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return false, retryAfter, nil
	}

	pipe = l.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: strconv.FormatInt(nowMs, 10) + ":" + strconv.FormatInt(count, 10)})
	pipe.Expire(ctx, key, l.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("ratelimit record: %w", err)
	}
	return true, 0, nil
}

// MemoryLimiter is the in-process fallback used when no shared store is
// configured. Windows are per-key timestamp slices under a mutex.
type MemoryLimiter struct {
	mu      sync.Mutex
	config  Config
	windows map[string][]time.Time
	maxKeys int
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process sliding-window limiter.
func NewMemoryLimiter(config Config) *MemoryLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &MemoryLimiter{
		config:  config,
		windows: make(map[string][]time.Time),
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, scope, id string) (bool, time.Duration, error) {
	key := Key(scope, id)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	window := l.windows[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.config.MaxRequests {
		l.windows[key] = kept
		retryAfter := kept[0].Add(l.config.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	if len(l.windows) >= l.maxKeys {
		l.prune(cutoff)
	}
	l.windows[key] = append(kept, now)
	return true, 0, nil
}

// prune drops keys whose entire window has expired (must hold the lock).
func (l *MemoryLimiter) prune(cutoff time.Time) {
	for key, window := range l.windows {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(l.windows, key)
		}
	}
}
