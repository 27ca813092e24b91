package rate

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

var decrScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisStore shares counters across every instance pointed at the same
// Redis. Keys expire shortly after their window closes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisStore) key(key string, windowStart time.Time) string {
	return s.prefix + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

func (s *RedisStore) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int, error) {
	ttl := windowStart.Add(window).Sub(time.Now()) + time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key, windowStart)}, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	return decrScript.Run(ctx, s.client, []string{s.key(key, windowStart)}).Err()
}
