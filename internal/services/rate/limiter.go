package rate

import (
	"context"
	"errors"
	"strings"
	"time"
)

var errNilStore = errors.New("rate limiter store is nil")

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

type resetter interface {
	Reset(ctx context.Context, key string) error
}

// Limiter is a fixed-window counter keyed by scope and subject, e.g. login attempts per email.
// A limit of zero disables it.
type Limiter struct {
	store  WindowStore
	scope  string
	limit  int
	window time.Duration
}

func NewLimiter(store WindowStore, scope string, limit int, window time.Duration) *Limiter {
	if limit < 0 {
		limit = 0
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		store:  store,
		scope:  scope,
		limit:  limit,
		window: window,
	}
}

// Allow counts one attempt. When the window is exhausted it returns allowed=false and the number
// of seconds until it resets.
func (l *Limiter) Allow(ctx context.Context, subject string) (int64, bool, error) {
	if l == nil || l.limit == 0 {
		return 0, true, nil
	}
	if l.store == nil {
		return 0, false, errNilStore
	}

	count, ttl, err := l.store.IncrementWindow(ctx, l.key(subject), l.window)
	if err != nil {
		return 0, false, err
	}
	if count > int64(l.limit) {
		return ceilSeconds(ttl), false, nil
	}
	return 0, true, nil
}

// RetryAfter reports the remaining block without counting an attempt.
func (l *Limiter) RetryAfter(ctx context.Context, subject string) (int64, error) {
	if l == nil || l.limit == 0 {
		return 0, nil
	}
	if l.store == nil {
		return 0, errNilStore
	}

	count, ttl, err := l.store.WindowState(ctx, l.key(subject))
	if err != nil {
		return 0, err
	}
	if count >= int64(l.limit) {
		return ceilSeconds(ttl), nil
	}
	return 0, nil
}

func (l *Limiter) Reset(ctx context.Context, subject string) error {
	if l == nil || l.store == nil {
		return nil
	}
	r, ok := l.store.(resetter)
	if !ok {
		return nil
	}
	return r.Reset(ctx, l.key(subject))
}

func (l *Limiter) key(subject string) string {
	return "rate:" + l.scope + ":" + strings.ToLower(strings.TrimSpace(subject))
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}
