// Package security records security events, raises alerts, computes the
// dashboard threat rollup, and maintains the IP blocklist.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dashauth/internal/metrics"
	"dashauth/internal/models"
	"dashauth/internal/notify"
	"dashauth/internal/store"
	"dashauth/internal/validate"
)

const (
	SystemActor = "system"

	rollupWindow = 24 * time.Hour
)

type Event struct {
	Type        string
	Severity    models.Severity
	UserID      string
	IPAddress   string
	Description string
	Status      models.EventStatus
}

type EventStore interface {
	InsertSecurityEvent(ctx context.Context, e models.SecurityEvent) (models.SecurityEvent, error)
	CountEventsSince(ctx context.Context, ip, eventType string, since time.Time) (int, error)
	SecuritySummary(ctx context.Context, since time.Time) (models.SecuritySummary, error)
}

type Blocker interface {
	Block(ctx context.Context, ip, reason, actorID, sourceIP string) (models.IPBlacklistEntry, error)
}

type Alerter interface {
	Alert(ctx context.Context, a notify.Alert)
}

type MonitorConfig struct {
	AlertMinSeverity   models.Severity
	ThreatHigh         int
	ThreatMedium       int
	AutoBlockThreshold int
	// UnhealthyAfter is the number of consecutive write failures after
	// which Health reports an error.
	UnhealthyAfter int
}

type Metrics struct {
	models.SecuritySummary
	ThreatLevel string `json:"threatLevel"`
}

type Monitor struct {
	st      EventStore
	alerts  Alerter
	blocker Blocker
	cfg     MonitorConfig
	log     *zap.Logger
	now     func() time.Time

	failures atomic.Int64
}

func NewMonitor(st EventStore, alerts Alerter, cfg MonitorConfig, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AlertMinSeverity == "" {
		cfg.AlertMinSeverity = models.SeverityHigh
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 5
	}
	return &Monitor{st: st, alerts: alerts, cfg: cfg, log: log, now: time.Now}
}

// SetBlocker enables automatic blocking of brute-forcing IPs.
func (m *Monitor) SetBlocker(b Blocker) { m.blocker = b }

// Record appends a security event. It never fails the caller: write errors
// are logged and counted, and alerts still go out.
func (m *Monitor) Record(ctx context.Context, e Event) models.SecurityEvent {
	ev := models.SecurityEvent{
		Type:        e.Type,
		Severity:    e.Severity,
		IPAddress:   e.IPAddress,
		Description: validate.Sanitize(e.Description),
		Status:      e.Status,
		CreatedAt:   m.now().UTC(),
	}
	if ev.Severity == "" {
		ev.Severity = models.SeverityLow
	}
	if ev.Status == "" {
		ev.Status = models.EventLogged
	}
	if e.UserID != "" {
		uid := e.UserID
		ev.UserID = &uid
	}

	stored, err := m.st.InsertSecurityEvent(context.WithoutCancel(ctx), ev)
	if err != nil {
		n := m.failures.Add(1)
		metrics.SecurityEventWriteFailuresTotal.Inc()
		m.log.Error("security event write failed",
			zap.String("type", ev.Type),
			zap.String("severity", string(ev.Severity)),
			zap.String("ip", ev.IPAddress),
			zap.Int64("consecutive_failures", n),
			zap.Error(err))
	} else {
		m.failures.Store(0)
		ev = stored
	}
	metrics.SecurityEventsTotal.WithLabelValues(ev.Type, string(ev.Severity)).Inc()

	if m.alerts != nil && ev.Severity.Rank() >= m.cfg.AlertMinSeverity.Rank() {
		a := notify.Alert{
			EventID:     ev.ID,
			Type:        ev.Type,
			Severity:    string(ev.Severity),
			IPAddress:   ev.IPAddress,
			Description: ev.Description,
			CreatedAt:   ev.CreatedAt,
		}
		if ev.UserID != nil {
			a.UserID = *ev.UserID
		}
		m.alerts.Alert(ctx, a)
	}
	return ev
}

// BruteForce records a brute-force event for ip and blocks the address once
// it has AutoBlockThreshold such events in the last 24 hours.
func (m *Monitor) BruteForce(ctx context.Context, ip, description string) {
	m.Record(ctx, Event{
		Type:        models.EventBruteForce,
		Severity:    models.SeverityHigh,
		IPAddress:   ip,
		Description: description,
		Status:      models.EventBlocked,
	})
	if m.cfg.AutoBlockThreshold <= 0 || m.blocker == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	n, err := m.st.CountEventsSince(ctx, ip, models.EventBruteForce, m.now().Add(-rollupWindow))
	if err != nil {
		m.log.Error("brute force count failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	if n < m.cfg.AutoBlockThreshold {
		return
	}
	reason := fmt.Sprintf("automatic block after %d brute force events in 24h", n)
	_, err = m.blocker.Block(ctx, ip, reason, SystemActor, ip)
	switch {
	case err == nil:
		m.log.Warn("ip auto-blocked", zap.String("ip", ip), zap.Int("events", n))
	case errors.Is(err, store.ErrConflict):
	default:
		m.log.Error("auto-block failed", zap.String("ip", ip), zap.Error(err))
	}
}

func (m *Monitor) Metrics(ctx context.Context) (Metrics, error) {
	sum, err := m.st.SecuritySummary(ctx, m.now().Add(-rollupWindow))
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{SecuritySummary: sum, ThreatLevel: m.threatLevel(sum.HighSeverityEvents)}, nil
}

func (m *Monitor) threatLevel(high int) string {
	switch {
	case high > m.cfg.ThreatHigh:
		return "High"
	case high > m.cfg.ThreatMedium:
		return "Medium"
	default:
		return "Low"
	}
}

func (m *Monitor) Health() error {
	if n := m.failures.Load(); n >= int64(m.cfg.UnhealthyAfter) {
		return fmt.Errorf("%d consecutive security event write failures", n)
	}
	return nil
}
