// ABOUTME: Fixed-window rate limiter backed by the credential store
// ABOUTME: Fails open on store outages so auth never hard-downs behind it

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/meridian/edge-gateway/internal/kv"
)

// Limiter counts events per key in fixed windows. Counters live in the
// shared store, so every gateway instance sees the same budget.
type Limiter struct {
	store  kv.Store
	limit  int
	window time.Duration
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Limiter allowing limit events per window.
func New(store kv.Store, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

func (l *Limiter) windowKey(key string) string {
	secs := int64(l.window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	bucket := l.now().Unix() / secs
	return fmt.Sprintf("rl:%s:%d", key, bucket)
}

// Allow records one event against key and reports whether it stays within
// the window's budget. A store outage allows the event: losing rate
// limiting briefly is better than locking every caller out.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}

	wk := l.windowKey(key)
	for attempt := 0; attempt < 5; attempt++ {
		prev, err := l.store.Get(ctx, wk)
		if errors.Is(err, kv.ErrNotFound) {
			if err := l.store.Put(ctx, wk, []byte("1"), l.window); err != nil {
				l.logger.Warn("rate limit store write failed, allowing", "key", key, "error", err)
			}
			return true
		}
		if err != nil {
			l.logger.Warn("rate limit store read failed, allowing", "key", key, "error", err)
			return true
		}

		count, err := strconv.Atoi(string(prev))
		if err != nil {
			count = 0
		}
		if count >= l.limit {
			return false
		}

		next := []byte(strconv.Itoa(count + 1))
		err = l.store.CompareAndSwap(ctx, wk, prev, next, l.window)
		if err == nil {
			return true
		}
		if errors.Is(err, kv.ErrCASMismatch) || errors.Is(err, kv.ErrNotFound) {
			continue
		}
		l.logger.Warn("rate limit store update failed, allowing", "key", key, "error", err)
		return true
	}

	// Heavy contention means the key is busy; count that as over budget.
	return false
}
