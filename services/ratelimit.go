package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces the per-peer call budget. Allow must be checked before
// any state mutation; a false result maps to protocol.ErrQuotaExceeded at the
// handler boundary.
type RateLimiter interface {
	Allow(ctx context.Context, peerID string) (bool, error)
}

// MemoryRateLimiter is a fixed-window limiter for single-process deployments.
type MemoryRateLimiter struct {
	budget int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewMemoryRateLimiter allows budget calls per peer per period.
func NewMemoryRateLimiter(budget int, period time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		budget:  budget,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
}

// Allow reports whether the peer has budget left in the current window.
func (l *MemoryRateLimiter) Allow(_ context.Context, peerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[peerID]
	if w == nil || now.Sub(w.start) >= l.period {
		w = &rateWindow{start: now}
		l.windows[peerID] = w
	}
	if w.count >= l.budget {
		return false, nil
	}
	w.count++
	return true, nil
}

// RedisRateLimiter shares the per-peer budget across replicas through a
// counter keyed by peer and window.
type RedisRateLimiter struct {
	client *redis.Client
	budget int
	period time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter creates a limiter over an existing Redis client.
func NewRedisRateLimiter(client *redis.Client, budget int, period time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		budget: budget,
		period: period,
		now:    time.Now,
	}
}

// Allow increments the peer's window counter and compares it to the budget.
// The key expires with the window, so idle peers cost nothing.
func (l *RedisRateLimiter) Allow(ctx context.Context, peerID string) (bool, error) {
	window := l.now().UnixNano() / int64(l.period)
	key := fmt.Sprintf("pairsync:rate:%s:%d", peerID, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.period)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return incr.Val() <= int64(l.budget), nil
}
