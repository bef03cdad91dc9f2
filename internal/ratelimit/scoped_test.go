package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestScopedLimiterRoutesByScope(t *testing.T) {
	limiter := NewScopedLimiter(
		map[string]Config{
			"tight": {MaxRequests: 1, Window: time.Minute},
			"loose": {MaxRequests: 100, Window: time.Minute},
		},
		Config{MaxRequests: 2, Window: time.Minute},
		func(c Config) Limiter { return NewMemoryLimiter(c) },
	)
	ctx := context.Background()

	if ok, _, _ := limiter.Allow(ctx, "tight", "alice"); !ok {
		t.Fatal("first tight request denied")
	}
	if ok, _, _ := limiter.Allow(ctx, "tight", "alice"); ok {
		t.Error("second tight request admitted")
	}
	for i := 0; i < 10; i++ {
		if ok, _, _ := limiter.Allow(ctx, "loose", "alice"); !ok {
			t.Fatalf("loose request %d denied", i)
		}
	}

	// Unknown scopes fall back to the default budget.
	if ok, _, _ := limiter.Allow(ctx, "other", "alice"); !ok {
		t.Fatal("first fallback request denied")
	}
	if ok, _, _ := limiter.Allow(ctx, "other", "alice"); !ok {
		t.Fatal("second fallback request denied")
	}
	if ok, _, _ := limiter.Allow(ctx, "other", "alice"); ok {
		t.Error("third fallback request admitted")
	}
}
