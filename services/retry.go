package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemnet/pairsync/protocol"
)

// RetryController runs operations with exponential backoff. Attempt counts
// are tracked per key so unrelated operations back off independently.
type RetryController struct {
	baseDelay  time.Duration
	maxRetries int
	log        *slog.Logger

	mu       sync.Mutex
	attempts map[string]int

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryController creates a controller. Delay for attempt n is
// baseDelay << n, so 1s base gives 1s, 2s, 4s, 8s, 16s.
func NewRetryController(baseDelay time.Duration, maxRetries int, log *slog.Logger) *RetryController {
	if log == nil {
		log = slog.Default()
	}
	return &RetryController{
		baseDelay:  baseDelay,
		maxRetries: maxRetries,
		log:        log,
		attempts:   make(map[string]int),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op, retrying transient failures up to the configured maximum.
// Permanent errors are returned immediately; after the final attempt the
// original error is returned. A success resets the key's attempt count.
func (r *RetryController) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	for {
		err := op(ctx)
		if err == nil {
			r.Reset(key)
			return nil
		}
		if !protocol.IsTransient(err) {
			r.Reset(key)
			return err
		}

		r.mu.Lock()
		attempt := r.attempts[key]
		r.attempts[key] = attempt + 1
		r.mu.Unlock()

		if attempt >= r.maxRetries {
			r.log.Warn("giving up after retries", "key", key, "attempts", attempt+1, "err", err)
			return err
		}

		delay := r.baseDelay << attempt
		r.log.Debug("transient failure, backing off", "key", key, "attempt", attempt+1, "delay", delay)
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// Reset clears the attempt count for key.
func (r *RetryController) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

// Attempts reports the current attempt count for key.
func (r *RetryController) Attempts(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[key]
}
