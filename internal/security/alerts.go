package security

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dashauth/internal/metrics"
	"dashauth/internal/notify"
)

// AlertManager fans alerts out to every sender without blocking the caller.
// Deliveries outlive the request that raised them and are bounded by the
// per-sender timeout.
type AlertManager struct {
	senders []notify.Sender
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewAlertManager(senders []notify.Sender, timeout time.Duration, log *zap.Logger) *AlertManager {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AlertManager{senders: senders, timeout: timeout, log: log}
}

func (m *AlertManager) Alert(ctx context.Context, a notify.Alert) {
	base := context.WithoutCancel(ctx)
	for _, s := range m.senders {
		m.wg.Add(1)
		go func(s notify.Sender) {
			defer m.wg.Done()
			sctx, cancel := context.WithTimeout(base, m.timeout)
			defer cancel()
			if err := s.Send(sctx, a); err != nil {
				metrics.AlertsTotal.WithLabelValues(s.Name(), "error").Inc()
				m.log.Error("alert delivery failed",
					zap.String("sender", s.Name()),
					zap.String("event_id", a.EventID),
					zap.Error(err))
				return
			}
			metrics.AlertsTotal.WithLabelValues(s.Name(), "sent").Inc()
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (m *AlertManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
