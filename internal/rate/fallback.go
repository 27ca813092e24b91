package rate

import (
	"context"
	"time"

	"go.uber.org/zap"
	xrate "golang.org/x/time/rate"

	"dashauth/internal/metrics"
)

// FallbackStore uses Primary and drops to Local whenever Primary errors, so
// an outage of the shared store weakens cross-instance limits instead of
// failing requests.
type FallbackStore struct {
	Primary Store
	Local   Store

	log  *zap.Logger
	warn *xrate.Sometimes
}

func NewFallbackStore(primary, local Store, log *zap.Logger) *FallbackStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackStore{
		Primary: primary,
		Local:   local,
		log:     log,
		warn:    &xrate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func (s *FallbackStore) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int, error) {
	n, _, err := s.increment(ctx, key, windowStart, window)
	return n, err
}

// increment also reports whether Local served the request, so a refund can
// go back to the store that counted it.
func (s *FallbackStore) increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int, bool, error) {
	n, err := s.Primary.Increment(ctx, key, windowStart, window)
	if err == nil {
		return n, false, nil
	}
	s.degraded("increment", err)
	n, err = s.Local.Increment(ctx, key, windowStart, window)
	return n, true, err
}

func (s *FallbackStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	return s.decrement(ctx, key, windowStart, false)
}

func (s *FallbackStore) decrement(ctx context.Context, key string, windowStart time.Time, local bool) error {
	if local {
		return s.Local.Decrement(ctx, key, windowStart)
	}
	if err := s.Primary.Decrement(ctx, key, windowStart); err != nil {
		s.degraded("decrement", err)
		return s.Local.Decrement(ctx, key, windowStart)
	}
	return nil
}

func (s *FallbackStore) degraded(op string, err error) {
	metrics.RateLimitFallbackTotal.Inc()
	s.warn.Do(func() {
		s.log.Warn("shared rate-limit store unavailable, using local counters",
			zap.String("op", op), zap.Error(err))
	})
}
