package ratelimit

import (
	"context"
	"time"
)

// ScopedLimiter applies a different window configuration per scope, with a
// fallback for scopes that have no explicit entry. It lets one limiter
// value serve message throttling, tool execution, and subagent admission
// with their own budgets.
type ScopedLimiter struct {
	limiters map[string]Limiter
	fallback Limiter
}

// NewScopedLimiter builds per-scope limiters using the factory, typically
// NewMemoryLimiter or a closure over NewRedisLimiter.
func NewScopedLimiter(configs map[string]Config, fallback Config, factory func(Config) Limiter) *ScopedLimiter {
	limiters := make(map[string]Limiter, len(configs))
	for scope, config := range configs {
		limiters[scope] = factory(config)
	}
	return &ScopedLimiter{
		limiters: limiters,
		fallback: factory(fallback),
	}
}

// Allow routes to the scope's limiter.
func (l *ScopedLimiter) Allow(ctx context.Context, scope, id string) (bool, time.Duration, error) {
	if limiter, ok := l.limiters[scope]; ok {
		return limiter.Allow(ctx, scope, id)
	}
	return l.fallback.Allow(ctx, scope, id)
}
