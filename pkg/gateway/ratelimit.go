package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter enforces the per-user-per-provider request budget (default
// 60 req/min for LLM families, 100 req/min for search).
type RateLimiter interface {
	// Allow reports whether one more call to (userID, provider) is
	// permitted right now.
	Allow(ctx context.Context, userID, provider string, limitPerMinute int) (bool, error)
}

// redisRateLimiter backs the bucket with Redis so it survives process
// restarts, per SPEC_FULL.md §4.G — a fixed-window counter (INCR + EXPIRE
// on the first increment of each window) rather than a true leaky-bucket,
// which is the idiomatic approximation the `go-redis` client's narrow
// command surface (Incr/Expire, mirroring
// StricklySoft-stricklysoft-core's pkg/clients/redis.Cmdable) supports
// without a Lua script.
type redisRateLimiter struct {
	client redis.Cmdable
}

// NewRedisRateLimiter wraps an existing go-redis client.
func NewRedisRateLimiter(client redis.Cmdable) RateLimiter {
	return &redisRateLimiter{client: client}
}

func (l *redisRateLimiter) Allow(ctx context.Context, userID, provider string, limitPerMinute int) (bool, error) {
	window := time.Now().Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%s:%d", userID, provider, window)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.client.Expire(ctx, key, time.Minute)
	}
	return count <= int64(limitPerMinute), nil
}

// memoryRateLimiter is the in-process fallback used by the Fake store and
// unit tests that don't want a Redis dependency, backed by
// golang.org/x/time/rate.Limiter per-bucket.
type memoryRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryRateLimiter builds an in-process RateLimiter.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{limiters: map[string]*rate.Limiter{}}
}

func (l *memoryRateLimiter) Allow(ctx context.Context, userID, provider string, limitPerMinute int) (bool, error) {
	key := userID + ":" + provider
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}
