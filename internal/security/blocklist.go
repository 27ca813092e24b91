package security

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"dashauth/internal/metrics"
	"dashauth/internal/models"
	"dashauth/internal/validate"
)

const (
	ActionBlockIP   = "block_ip"
	ActionUnblockIP = "unblock_ip"

	maxReasonLength = 500
	cacheSize       = 4096
)

type BlockStore interface {
	BlockIP(ctx context.Context, entry models.IPBlacklistEntry, audit models.AuditLogEntry) (models.IPBlacklistEntry, error)
	UnblockIP(ctx context.Context, ip, unblockedBy string, audit models.AuditLogEntry) error
	IsIPBlocked(ctx context.Context, ip string) (bool, error)
	ListBlockedIPs(ctx context.Context, activeOnly bool, limit, offset int) ([]models.IPBlacklistEntry, error)
}

type Recorder interface {
	Record(ctx context.Context, e Event) models.SecurityEvent
}

// Blocklist answers "is this IP blocked" from a short-lived cache. Other
// instances see a change once their cached entry expires.
type Blocklist struct {
	st     BlockStore
	events Recorder
	cache  *expirable.LRU[string, bool]
	log    *zap.Logger
}

func NewBlocklist(st BlockStore, events Recorder, cacheTTL time.Duration, log *zap.Logger) *Blocklist {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Blocklist{st: st, events: events, log: log}
	if cacheTTL > 0 {
		b.cache = expirable.NewLRU[string, bool](cacheSize, nil, cacheTTL)
	}
	return b
}

// Block stores an active entry for ip plus its audit record. An address
// that is already blocked yields store.ErrConflict.
func (b *Blocklist) Block(ctx context.Context, rawIP, rawReason, actorID, sourceIP string) (models.IPBlacklistEntry, error) {
	var v validate.Validator
	ip := v.IP("ip", rawIP)
	reason := v.Text("reason", rawReason, 0, maxReasonLength)
	if err := v.Err(); err != nil {
		return models.IPBlacklistEntry{}, err
	}

	entry, err := b.st.BlockIP(ctx, models.IPBlacklistEntry{
		IPAddress: ip,
		Reason:    reason,
		BlockedBy: actorID,
	}, models.AuditLogEntry{
		UserID:       actorID,
		Action:       ActionBlockIP,
		ResourceType: "ip",
		IPAddress:    sourceIP,
		Details:      reason,
	})
	if err != nil {
		return models.IPBlacklistEntry{}, err
	}
	b.purge(ip)

	if b.events != nil {
		ev := Event{
			Type:        models.EventIPBlocked,
			Severity:    models.SeverityMedium,
			IPAddress:   ip,
			Description: "ip blocked: " + reason,
			Status:      models.EventBlocked,
		}
		if actorID != SystemActor {
			ev.UserID = actorID
		}
		b.events.Record(ctx, ev)
	}
	return entry, nil
}

// Unblock deactivates the active entry for ip. The row is kept as history.
func (b *Blocklist) Unblock(ctx context.Context, rawIP, actorID, sourceIP string) error {
	var v validate.Validator
	ip := v.IP("ip", rawIP)
	if err := v.Err(); err != nil {
		return err
	}
	err := b.st.UnblockIP(ctx, ip, actorID, models.AuditLogEntry{
		UserID:       actorID,
		Action:       ActionUnblockIP,
		ResourceType: "ip",
		IPAddress:    sourceIP,
	})
	if err != nil {
		return err
	}
	b.purge(ip)

	if b.events != nil {
		b.events.Record(ctx, Event{
			Type:        models.EventIPUnblocked,
			Severity:    models.SeverityLow,
			UserID:      actorID,
			IPAddress:   ip,
			Description: "ip unblocked",
			Status:      models.EventResolved,
		})
	}
	return nil
}

// IsBlocked fails open: a lookup error is logged and reported as not
// blocked.
func (b *Blocklist) IsBlocked(ctx context.Context, ip string) bool {
	if b.cache != nil {
		if blocked, ok := b.cache.Get(ip); ok {
			metrics.BlocklistCacheLookupsTotal.WithLabelValues("hit").Inc()
			return blocked
		}
		metrics.BlocklistCacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	blocked, err := b.st.IsIPBlocked(ctx, ip)
	if err != nil {
		metrics.BlocklistCacheLookupsTotal.WithLabelValues("error").Inc()
		b.log.Warn("blocklist lookup failed, allowing request", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if b.cache != nil {
		b.cache.Add(ip, blocked)
	}
	return blocked
}

func (b *Blocklist) List(ctx context.Context, activeOnly bool, limit, offset int) ([]models.IPBlacklistEntry, error) {
	return b.st.ListBlockedIPs(ctx, activeOnly, limit, offset)
}

func (b *Blocklist) purge(ip string) {
	if b.cache != nil {
		b.cache.Remove(ip)
	}
}
