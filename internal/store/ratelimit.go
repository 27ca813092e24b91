package store

import (
	"context"
	"time"
)

// IncrementRateCounter atomically bumps the counter for (key, windowStart)
// and returns the post-increment value. Concurrent callers never observe the
// same count.
func (s *Store) IncrementRateCounter(ctx context.Context, key string, windowStart, expiresAt time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`INSERT INTO rate_limit_counters(bucket_key,window_start,count,expires_at)
		 VALUES(?,?,1,?)
		 ON CONFLICT(bucket_key, window_start)
		 DO UPDATE SET count = rate_limit_counters.count + 1
		 RETURNING count`),
		key, windowStart.Unix(), expiresAt.Unix(),
	)
	return count, err
}

func (s *Store) DecrementRateCounter(ctx context.Context, key string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE rate_limit_counters SET count = count - 1 WHERE bucket_key=? AND window_start=? AND count > 0`),
		key, windowStart.Unix(),
	)
	return err
}

func (s *Store) CleanupRateCounters(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM rate_limit_counters WHERE expires_at < ?`), before.Unix())
	return err
}
