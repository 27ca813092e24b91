// Package rate implements fixed-window request limiting over a pluggable
// counter store.
package rate

import (
	"context"
	"time"
)

type Class string

const (
	ClassAPI   Class = "api"
	ClassAuth  Class = "auth"
	ClassAdmin Class = "admin"
)

type Policy struct {
	Class  Class
	Limit  int
	Window time.Duration
}

// Store is an atomic counter keyed by (key, windowStart). Increment must be
// a single increment-and-read so two concurrent callers can never both see
// the same value.
type Store interface {
	Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int, error)
	Decrement(ctx context.Context, key string, windowStart time.Time) error
}

type Decision struct {
	Allowed     bool
	Limit       int
	Remaining   int
	WindowStart time.Time
	ResetAt     time.Time
	RetryAfter  time.Duration
	// Fallback is set when the request was counted by a FallbackStore's
	// local store.
	Fallback bool
}

type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock replaces the limiter's time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func Key(p Policy, identity string) string {
	return string(p.Class) + ":" + identity
}

// Allow counts one request for identity under p. Windows are aligned to
// multiples of p.Window so every instance agrees on the boundaries.
func (l *Limiter) Allow(ctx context.Context, p Policy, identity string) (Decision, error) {
	now := l.now().UTC()
	start := now.Truncate(p.Window)
	reset := start.Add(p.Window)

	var (
		n        int
		fallback bool
		err      error
	)
	if fs, ok := l.store.(*FallbackStore); ok {
		n, fallback, err = fs.increment(ctx, Key(p, identity), start, p.Window)
	} else {
		n, err = l.store.Increment(ctx, Key(p, identity), start, p.Window)
	}
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Fallback:    fallback,
		Allowed:     n <= p.Limit,
		Limit:       p.Limit,
		Remaining:   p.Limit - n,
		WindowStart: start,
		ResetAt:     reset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

// Refund takes back one request counted by Allow in the same window.
func (l *Limiter) Refund(ctx context.Context, p Policy, identity string, d Decision) error {
	if fs, ok := l.store.(*FallbackStore); ok {
		return fs.decrement(ctx, Key(p, identity), d.WindowStart, d.Fallback)
	}
	return l.store.Decrement(ctx, Key(p, identity), d.WindowStart)
}
