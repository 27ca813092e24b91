package rate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type counterStore interface {
	IncrementRateCounter(ctx context.Context, key string, windowStart, expiresAt time.Time) (int, error)
	DecrementRateCounter(ctx context.Context, key string, windowStart time.Time) error
	CleanupRateCounters(ctx context.Context, before time.Time) error
}

// SQLStore keeps counters in the shared database for deployments without
// Redis. Expired rows are swept at most once a minute.
type SQLStore struct {
	st  counterStore
	log *zap.Logger

	mu          sync.Mutex
	lastCleanup time.Time
}

func NewSQLStore(st counterStore, log *zap.Logger) *SQLStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLStore{st: st, log: log}
}

func (s *SQLStore) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int, error) {
	s.maybeCleanup(ctx, windowStart)
	return s.st.IncrementRateCounter(ctx, key, windowStart, windowStart.Add(window))
}

func (s *SQLStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	return s.st.DecrementRateCounter(ctx, key, windowStart)
}

func (s *SQLStore) maybeCleanup(ctx context.Context, ref time.Time) {
	s.mu.Lock()
	if ref.Sub(s.lastCleanup) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastCleanup = ref
	s.mu.Unlock()
	if err := s.st.CleanupRateCounters(ctx, ref); err != nil {
		s.log.Warn("rate counter cleanup failed", zap.Error(err))
	}
}
