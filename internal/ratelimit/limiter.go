// Package ratelimit enforces a minimum interval between calls per
// (scope, operation) key, coordinated across agent processes through the
// shared store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/store"
)

// entryTTL bounds how long a last-call timestamp outlives the call it records.
const entryTTL = 10 * time.Second

// Limiter blocks callers until the configured interval since the last call on
// the same key has elapsed. Callers on different keys never block each other.
// If the store is unavailable the limiter fails open: the call proceeds
// unthrottled rather than blocking forever.
type Limiter struct {
	store  store.Store
	logger *zap.SugaredLogger
	nowFn  func() time.Time
}

// New creates a Limiter backed by the given store.
func New(s store.Store, logger *zap.SugaredLogger) *Limiter {
	return &Limiter{
		store:  s,
		logger: logger,
		nowFn:  time.Now,
	}
}

// Acquire blocks until now - last_call_at(scope, operation) >= 1/maxCallsPerSecond,
// then records the new last-call timestamp. A non-positive rate disables
// limiting. Returns early with the context error if ctx is cancelled while
// waiting.
func (l *Limiter) Acquire(ctx context.Context, scope, operation string, maxCallsPerSecond float64) error {
	if maxCallsPerSecond <= 0 {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", scope, operation)
	interval := time.Duration(float64(time.Second) / maxCallsPerSecond)

	val, err := l.store.Get(ctx, key)
	if err != nil && err != store.ErrNotFound {
		l.logger.Debugw("Rate limit store unavailable, failing open", "key", key, "error", err)
		return nil
	}

	if err == nil {
		nanos, parseErr := strconv.ParseInt(val, 10, 64)
		if parseErr == nil {
			elapsed := l.nowFn().Sub(time.Unix(0, nanos))
			if elapsed < interval {
				if waitErr := l.wait(ctx, interval-elapsed); waitErr != nil {
					return waitErr
				}
			}
		}
	}

	now := l.nowFn()
	if err := l.store.Set(ctx, key, strconv.FormatInt(now.UnixNano(), 10), entryTTL); err != nil {
		l.logger.Debugw("Failed to record rate limit timestamp", "key", key, "error", err)
	}
	return nil
}

func (l *Limiter) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetClock overrides the limiter clock, primarily for tests.
func (l *Limiter) SetClock(f func() time.Time) {
	l.nowFn = f
}
