package security

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashauth/internal/db"
	"dashauth/internal/models"
	"dashauth/internal/notify"
	"dashauth/internal/store"
	"dashauth/internal/validate"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "security.db"), db.PoolConfig{MaxOpen: 1, MaxIdle: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn, "sqlite", nil))
	return store.New(conn)
}

type captureSender struct {
	mu   sync.Mutex
	got  []notify.Alert
	fail bool
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) Send(_ context.Context, a notify.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, a)
	if c.fail {
		return errors.New("down")
	}
	return nil
}

func (c *captureSender) alerts() []notify.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Alert(nil), c.got...)
}

func TestRecordPersistsAndAlertsOnHighSeverity(t *testing.T) {
	st := newStore(t)
	sender := &captureSender{}
	am := NewAlertManager([]notify.Sender{sender}, time.Second, nil)
	m := NewMonitor(st, am, MonitorConfig{ThreatHigh: 10, ThreatMedium: 5}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ev := m.Record(ctx, Event{Type: models.EventFailedLogin, Severity: models.SeverityLow, IPAddress: "1.1.1.1"})
	require.NotEmpty(t, ev.ID)
	assert.Equal(t, models.EventLogged, ev.Status)

	hi := m.Record(ctx, Event{
		Type:        models.EventBruteForce,
		Severity:    models.SeverityHigh,
		IPAddress:   "1.1.1.1",
		Description: "<script>x</script>too many attempts",
		Status:      models.EventBlocked,
	})
	// The request context going away must not cancel delivery.
	cancel()
	require.NoError(t, am.Wait(context.Background()))

	got := sender.alerts()
	require.Len(t, got, 1)
	assert.Equal(t, hi.ID, got[0].EventID)
	assert.Equal(t, "too many attempts", got[0].Description)

	events, err := st.ListSecurityEvents(context.Background(), models.EventQuery{IP: "1.1.1.1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAlertFailuresDoNotPropagate(t *testing.T) {
	sender := &captureSender{fail: true}
	am := NewAlertManager([]notify.Sender{sender, notify.LogSender{}}, time.Second, nil)
	am.Alert(context.Background(), notify.Alert{EventID: "x"})
	require.NoError(t, am.Wait(context.Background()))
	assert.Len(t, sender.alerts(), 1)
}

type flakyEventStore struct {
	mu      sync.Mutex
	failing bool
	summary models.SecuritySummary
	count   int
}

func (f *flakyEventStore) InsertSecurityEvent(_ context.Context, e models.SecurityEvent) (models.SecurityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return models.SecurityEvent{}, errors.New("database is locked")
	}
	e.ID = "evt"
	return e, nil
}

func (f *flakyEventStore) CountEventsSince(context.Context, string, string, time.Time) (int, error) {
	return f.count, nil
}

func (f *flakyEventStore) SecuritySummary(context.Context, time.Time) (models.SecuritySummary, error) {
	return f.summary, nil
}

func TestHealthTracksConsecutiveWriteFailures(t *testing.T) {
	fs := &flakyEventStore{failing: true}
	m := NewMonitor(fs, nil, MonitorConfig{UnhealthyAfter: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m.Record(ctx, Event{Type: models.EventLogin})
	}
	require.NoError(t, m.Health())
	ev := m.Record(ctx, Event{Type: models.EventLogin})
	assert.Empty(t, ev.ID)
	require.Error(t, m.Health())

	fs.mu.Lock()
	fs.failing = false
	fs.mu.Unlock()
	m.Record(ctx, Event{Type: models.EventLogin})
	require.NoError(t, m.Health())
}

func TestThreatLevel(t *testing.T) {
	fs := &flakyEventStore{}
	m := NewMonitor(fs, nil, MonitorConfig{ThreatHigh: 10, ThreatMedium: 5}, nil)
	cases := map[int]string{0: "Low", 5: "Low", 6: "Medium", 10: "Medium", 11: "High"}
	for high, want := range cases {
		fs.summary = models.SecuritySummary{HighSeverityEvents: high}
		got, err := m.Metrics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got.ThreatLevel, "high=%d", high)
	}
}

func TestBlockUnblock(t *testing.T) {
	st := newStore(t)
	m := NewMonitor(st, nil, MonitorConfig{}, nil)
	bl := NewBlocklist(st, m, time.Minute, nil)
	ctx := context.Background()

	assert.False(t, bl.IsBlocked(ctx, "203.0.113.9"))

	entry, err := bl.Block(ctx, "203.0.113.9", "abuse", "admin-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, entry.IsActive)
	assert.True(t, bl.IsBlocked(ctx, "203.0.113.9"), "block must purge the cached negative answer")

	_, err = bl.Block(ctx, "203.0.113.9", "again", "admin-1", "10.0.0.1")
	assert.ErrorIs(t, err, store.ErrConflict)

	audit, err := st.ListAudit(ctx, ActionBlockIP, 10, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "203.0.113.9", audit[0].ResourceID)
	assert.Equal(t, "admin-1", audit[0].UserID)

	require.NoError(t, bl.Unblock(ctx, "203.0.113.9", "admin-1", "10.0.0.1"))
	assert.False(t, bl.IsBlocked(ctx, "203.0.113.9"))
	assert.ErrorIs(t, bl.Unblock(ctx, "203.0.113.9", "admin-1", "10.0.0.1"), store.ErrNotFound)

	audit, err = st.ListAudit(ctx, ActionBlockIP, 10, 0)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
	unblocks, err := st.ListAudit(ctx, ActionUnblockIP, 10, 0)
	require.NoError(t, err)
	assert.Len(t, unblocks, 1)

	events, err := st.ListSecurityEvents(ctx, models.EventQuery{Type: models.EventIPUnblocked, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	history, err := bl.List(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsActive)
}

func TestBlockRejectsInvalidInput(t *testing.T) {
	bl := NewBlocklist(newStore(t), nil, 0, nil)
	_, err := bl.Block(context.Background(), "not-an-ip", "x", "admin", "")
	var verrs validate.Errors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "ip", verrs[0].Field)
}

type brokenBlockStore struct{ BlockStore }

func (brokenBlockStore) IsIPBlocked(context.Context, string) (bool, error) {
	return false, errors.New("connection reset")
}

func TestIsBlockedFailsOpen(t *testing.T) {
	bl := NewBlocklist(brokenBlockStore{}, nil, time.Minute, nil)
	assert.False(t, bl.IsBlocked(context.Background(), "1.2.3.4"))
}

func TestBruteForceAutoBlock(t *testing.T) {
	st := newStore(t)
	m := NewMonitor(st, nil, MonitorConfig{AutoBlockThreshold: 2}, nil)
	bl := NewBlocklist(st, m, 0, nil)
	m.SetBlocker(bl)
	ctx := context.Background()

	m.BruteForce(ctx, "198.51.100.4", "auth limit exceeded")
	assert.False(t, bl.IsBlocked(ctx, "198.51.100.4"))
	m.BruteForce(ctx, "198.51.100.4", "auth limit exceeded")
	assert.True(t, bl.IsBlocked(ctx, "198.51.100.4"))
	// Further events against an already blocked IP are a no-op.
	m.BruteForce(ctx, "198.51.100.4", "auth limit exceeded")

	entries, err := bl.List(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SystemActor, entries[0].BlockedBy)

	events, err := st.ListSecurityEvents(ctx, models.EventQuery{Type: models.EventBruteForce, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)
}
