package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestLimiterAllowsNThenRejectsThenResets(t *testing.T) {
	clock := newClock()
	l := NewLimiter(NewMemoryStore()).WithClock(clock.Now)
	p := Policy{Class: ClassAPI, Limit: 3, Window: 15 * time.Minute}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, p, "10.0.0.1")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d rejected", i)
		}
		if d.Remaining != 3-i {
			t.Fatalf("request %d: remaining=%d", i, d.Remaining)
		}
	}
	d, err := l.Allow(ctx, p, "10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected 4th request to be rejected")
	}
	if d.Remaining != 0 || d.RetryAfter <= 0 || d.RetryAfter > p.Window {
		t.Fatalf("unexpected rejection decision: %+v", d)
	}

	other, _ := l.Allow(ctx, p, "10.0.0.2")
	if !other.Allowed {
		t.Fatalf("limits must be per identity")
	}

	clock.Advance(p.Window)
	d, _ = l.Allow(ctx, p, "10.0.0.1")
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected fresh window after reset, got %+v", d)
	}
}

func TestLimiterClassesAreIndependent(t *testing.T) {
	l := NewLimiter(NewMemoryStore()).WithClock(newClock().Now)
	ctx := context.Background()
	auth := Policy{Class: ClassAuth, Limit: 1, Window: time.Minute}
	api := Policy{Class: ClassAPI, Limit: 1, Window: time.Minute}

	if d, _ := l.Allow(ctx, auth, "ip"); !d.Allowed {
		t.Fatalf("auth rejected")
	}
	if d, _ := l.Allow(ctx, api, "ip"); !d.Allowed {
		t.Fatalf("api should not share the auth counter")
	}
	if d, _ := l.Allow(ctx, auth, "ip"); d.Allowed {
		t.Fatalf("second auth request should be rejected")
	}
}

func TestRefundKeepsSuccessesFromCounting(t *testing.T) {
	l := NewLimiter(NewMemoryStore()).WithClock(newClock().Now)
	ctx := context.Background()
	p := Policy{Class: ClassAuth, Limit: 2, Window: 15 * time.Minute}

	for i := 0; i < 50; i++ {
		d, err := l.Allow(ctx, p, "ip")
		if err != nil || !d.Allowed {
			t.Fatalf("success %d limited: %+v err=%v", i, d, err)
		}
		if err := l.Refund(ctx, p, "ip", d); err != nil {
			t.Fatalf("refund: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, p, "ip"); !d.Allowed {
			t.Fatalf("failure %d should still be allowed", i)
		}
	}
	if d, _ := l.Allow(ctx, p, "ip"); d.Allowed {
		t.Fatalf("third failure should be limited")
	}
}

func TestMemoryStoreConcurrentIncrementsAreDistinct(t *testing.T) {
	s := NewMemoryStore()
	start := time.Unix(0, 0)
	const n = 64
	seen := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := s.Increment(context.Background(), "k", start, time.Minute)
			seen <- c
		}()
	}
	wg.Wait()
	close(seen)
	got := map[int]bool{}
	for c := range seen {
		if got[c] {
			t.Fatalf("count %d observed twice", c)
		}
		got[c] = true
	}
	if len(got) != n {
		t.Fatalf("expected %d distinct counts, got %d", n, len(got))
	}
}

func TestMemoryStoreGC(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)
	_, _ = s.Increment(ctx, "old", t0, time.Minute)
	_, _ = s.Increment(ctx, "new", t0.Add(10*time.Minute), time.Minute)
	if s.Len() != 1 {
		t.Fatalf("expected expired bucket to be collected, have %d", s.Len())
	}
}

type brokenStore struct{ calls int }

func (b *brokenStore) Increment(context.Context, string, time.Time, time.Duration) (int, error) {
	b.calls++
	return 0, errors.New("connection refused")
}

func (b *brokenStore) Decrement(context.Context, string, time.Time) error {
	b.calls++
	return errors.New("connection refused")
}

func TestFallbackStoreUsesLocalCounters(t *testing.T) {
	primary := &brokenStore{}
	l := NewLimiter(NewFallbackStore(primary, NewMemoryStore(), nil)).WithClock(newClock().Now)
	p := Policy{Class: ClassAdmin, Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, p, "ip")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v err=%v", i, d, err)
		}
	}
	if d, _ := l.Allow(ctx, p, "ip"); d.Allowed {
		t.Fatalf("local fallback must still enforce the limit")
	}
	if primary.calls != 3 {
		t.Fatalf("primary should be tried on every call, got %d", primary.calls)
	}
}

// flakyStore is a MemoryStore that can be switched off.
type flakyStore struct {
	*MemoryStore
	down       bool
	decrements int
}

func (f *flakyStore) Increment(ctx context.Context, key string, start time.Time, window time.Duration) (int, error) {
	if f.down {
		return 0, errors.New("connection refused")
	}
	return f.MemoryStore.Increment(ctx, key, start, window)
}

func (f *flakyStore) Decrement(ctx context.Context, key string, start time.Time) error {
	if f.down {
		return errors.New("connection refused")
	}
	f.decrements++
	return f.MemoryStore.Decrement(ctx, key, start)
}

func TestRefundReturnsToStoreThatCounted(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore(), down: true}
	l := NewLimiter(NewFallbackStore(primary, NewMemoryStore(), nil)).WithClock(newClock().Now)
	p := Policy{Class: ClassAuth, Limit: 1, Window: 15 * time.Minute}
	ctx := context.Background()

	d, err := l.Allow(ctx, p, "ip")
	if err != nil || !d.Allowed || !d.Fallback {
		t.Fatalf("expected a locally counted request, got %+v err=%v", d, err)
	}

	// The shared store recovers before the response is finished.
	primary.down = false
	if err := l.Refund(ctx, p, "ip", d); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if primary.decrements != 0 {
		t.Fatalf("refund went to the shared store")
	}

	primary.down = true
	d, err = l.Allow(ctx, p, "ip")
	if err != nil || !d.Allowed {
		t.Fatalf("refunded request still counted locally: %+v err=%v", d, err)
	}

	primary.down = false
	d, err = l.Allow(ctx, p, "ip")
	if err != nil || !d.Allowed || d.Fallback {
		t.Fatalf("expected a shared-store request, got %+v err=%v", d, err)
	}
	if err := l.Refund(ctx, p, "ip", d); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if primary.decrements != 1 {
		t.Fatalf("shared-store refund not applied, decrements=%d", primary.decrements)
	}
}
