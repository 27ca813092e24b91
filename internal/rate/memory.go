package rate

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count  int
	start  time.Time
	window time.Duration
}

// MemoryStore keeps counters in process. Limits enforced through it hold
// per instance only.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]bucket
	lastGC  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[string]bucket{}}
}

func (m *MemoryStore) Increment(_ context.Context, key string, windowStart time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if windowStart.Sub(m.lastGC) > time.Minute {
		for k, b := range m.buckets {
			if b.start.Add(b.window).Before(windowStart) {
				delete(m.buckets, k)
			}
		}
		m.lastGC = windowStart
	}
	b, ok := m.buckets[key]
	if !ok || !b.start.Equal(windowStart) {
		b = bucket{start: windowStart, window: window}
	}
	b.count++
	m.buckets[key] = b
	return b.count, nil
}

func (m *MemoryStore) Decrement(_ context.Context, key string, windowStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || !b.start.Equal(windowStart) || b.count == 0 {
		return nil
	}
	b.count--
	m.buckets[key] = b
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
