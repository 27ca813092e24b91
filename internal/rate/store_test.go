package rate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dashauth/internal/db"
	"dashauth/internal/store"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Minute)

	for want := 1; want <= 3; want++ {
		n, err := s.Increment(ctx, "auth:1.2.3.4", start, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	key := s.key("auth:1.2.3.4", start)
	assert.True(t, mr.TTL(key) > 0, "counter key must carry an expiry")

	require.NoError(t, s.Decrement(ctx, "auth:1.2.3.4", start))
	v, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	require.NoError(t, s.Decrement(ctx, "missing", start))
	assert.False(t, mr.Exists(s.key("missing", start)))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(key))
}

func TestRedisStoreErrorTriggersFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	fs := NewFallbackStore(NewRedisStore(client), NewMemoryStore(), nil)
	n, err := fs.Increment(context.Background(), "api:ip", time.Unix(0, 0), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "rate.db"), db.PoolConfig{MaxOpen: 1, MaxIdle: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn, "sqlite", nil))

	l := NewLimiter(NewSQLStore(store.New(conn), nil)).WithClock(newClock().Now)
	p := Policy{Class: ClassAuth, Limit: 2, Window: 15 * time.Minute}

	d, err := l.Allow(ctx, p, "9.9.9.9")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, l.Refund(ctx, p, "9.9.9.9", d))

	for i := 0; i < 2; i++ {
		d, err = l.Allow(ctx, p, "9.9.9.9")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err = l.Allow(ctx, p, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

type cleanupFailingCounters struct{ n int }

func (c *cleanupFailingCounters) IncrementRateCounter(context.Context, string, time.Time, time.Time) (int, error) {
	c.n++
	return c.n, nil
}

func (c *cleanupFailingCounters) DecrementRateCounter(context.Context, string, time.Time) error {
	return nil
}

func (c *cleanupFailingCounters) CleanupRateCounters(context.Context, time.Time) error {
	return errors.New("database is locked")
}

func TestSQLStoreLogsCleanupFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewSQLStore(&cleanupFailingCounters{}, zap.New(core))

	n, err := s.Increment(context.Background(), "api:1.2.3.4", time.Now().UTC().Truncate(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := logs.FilterMessage("rate counter cleanup failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "database is locked", entries[0].ContextMap()["error"])
}
