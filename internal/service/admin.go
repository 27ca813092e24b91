package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dashauth/internal/models"
	"dashauth/internal/security"
	"dashauth/internal/validate"
)

const (
	ActionRevokeSessions = "revoke_sessions"
	ActionRecordScan     = "record_scan"
)

// AdminRevokeUserSessions ends every active session of userID.
func (s *Service) AdminRevokeUserSessions(ctx context.Context, admin models.Identity, userID string, c Client) (int64, error) {
	if _, err := s.st.GetUserByID(ctx, userID); err != nil {
		return 0, err
	}
	n, err := s.st.RevokeUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	if err := s.st.InsertAudit(ctx, models.AuditLogEntry{
		UserID:       admin.UserID,
		Action:       ActionRevokeSessions,
		ResourceType: "user",
		ResourceID:   userID,
		IPAddress:    c.IP,
		Details:      fmt.Sprintf("%d sessions revoked", n),
	}); err != nil {
		return n, fmt.Errorf("audit: %w", err)
	}
	s.monitor.Record(ctx, security.Event{
		Type:        models.EventSessionsRevoked,
		Severity:    models.SeverityMedium,
		UserID:      admin.UserID,
		IPAddress:   c.IP,
		Description: fmt.Sprintf("admin revoked %d sessions of user %s", n, userID),
	})
	return n, nil
}

func (s *Service) SecurityMetrics(ctx context.Context) (security.Metrics, error) {
	return s.monitor.Metrics(ctx)
}

// EventFilter is the raw query for the events list. Free text is sanitized
// before it reaches SQL or logs.
type EventFilter struct {
	Type     string
	Severity string
	Limit    int
	Offset   int
}

func (s *Service) SecurityEvents(ctx context.Context, f EventFilter) ([]models.SecurityEvent, error) {
	var v validate.Validator
	q := models.EventQuery{
		Type:   v.Text("type", f.Type, 0, 64),
		Limit:  f.Limit,
		Offset: f.Offset,
	}
	if f.Severity != "" {
		if models.Severity(f.Severity).Rank() == 0 {
			v.Add("severity", "must be one of low, medium, high")
		}
		q.Severity = f.Severity
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	return s.st.ListSecurityEvents(ctx, q)
}

func (s *Service) FirewallRules(ctx context.Context) ([]models.FirewallRule, error) {
	return s.st.ListFirewallRules(ctx)
}

func (s *Service) VulnerabilityScans(ctx context.Context, limit, offset int) ([]models.VulnerabilityScan, error) {
	return s.st.ListScans(ctx, limit, offset)
}

type ScanInput struct {
	ScanType         string `json:"scan_type"`
	Status           string `json:"status"`
	FindingsCritical int    `json:"findings_critical"`
	FindingsHigh     int    `json:"findings_high"`
	FindingsMedium   int    `json:"findings_medium"`
	FindingsLow      int    `json:"findings_low"`
}

// RecordScan stores the report of an externally run vulnerability scan.
func (s *Service) RecordScan(ctx context.Context, admin models.Identity, in ScanInput, c Client) (models.VulnerabilityScan, error) {
	var v validate.Validator
	scanType := v.Text("scan_type", in.ScanType, 1, 64)
	switch in.Status {
	case "running", "completed", "failed":
	default:
		v.Add("status", "must be one of running, completed, failed")
	}
	findings := []struct {
		field string
		n     int
	}{
		{"findings_critical", in.FindingsCritical},
		{"findings_high", in.FindingsHigh},
		{"findings_medium", in.FindingsMedium},
		{"findings_low", in.FindingsLow},
	}
	for _, f := range findings {
		if f.n < 0 {
			v.Add(f.field, "must not be negative")
		}
	}
	if err := v.Err(); err != nil {
		return models.VulnerabilityScan{}, err
	}

	now := time.Now().UTC()
	scan := models.VulnerabilityScan{
		ScanType:         scanType,
		Status:           in.Status,
		FindingsCritical: in.FindingsCritical,
		FindingsHigh:     in.FindingsHigh,
		FindingsMedium:   in.FindingsMedium,
		FindingsLow:      in.FindingsLow,
		StartedAt:        now,
	}
	if in.Status != "running" {
		scan.CompletedAt = &now
	}
	scan, err := s.st.CreateScan(ctx, scan)
	if err != nil {
		return models.VulnerabilityScan{}, fmt.Errorf("create scan: %w", err)
	}
	if err := s.st.InsertAudit(ctx, models.AuditLogEntry{
		UserID:       admin.UserID,
		Action:       ActionRecordScan,
		ResourceType: "vulnerability_scan",
		ResourceID:   scan.ID,
		IPAddress:    c.IP,
		Details:      scan.ScanType + " " + scan.Status,
	}); err != nil {
		return scan, fmt.Errorf("audit: %w", err)
	}
	return scan, nil
}

func (s *Service) TopAttackingIPs(ctx context.Context, limit int) ([]models.AttackerIP, error) {
	return s.st.TopAttackingIPs(ctx, time.Now().Add(-24*time.Hour), limit)
}

func (s *Service) BlockedIPs(ctx context.Context, activeOnly bool, limit, offset int) ([]models.IPBlacklistEntry, error) {
	return s.blocklist.List(ctx, activeOnly, limit, offset)
}

func (s *Service) BlockIP(ctx context.Context, admin models.Identity, ip, reason string, c Client) (models.IPBlacklistEntry, error) {
	// Compare canonical forms so a mapped or padded address cannot lock
	// the caller out.
	if norm, ok := validate.NormalizeIP(ip); ok && norm == c.IP {
		return models.IPBlacklistEntry{}, validate.Errors{{Field: "ip", Message: "cannot block your own address"}}
	}
	return s.blocklist.Block(ctx, ip, reason, admin.UserID, c.IP)
}

func (s *Service) UnblockIP(ctx context.Context, admin models.Identity, ip string, c Client) error {
	return s.blocklist.Unblock(ctx, ip, admin.UserID, c.IP)
}

func (s *Service) AuditLog(ctx context.Context, action string, limit, offset int) ([]models.AuditLogEntry, error) {
	return s.st.ListAudit(ctx, validate.Sanitize(action), limit, offset)
}

// IsValidation reports whether err carries per-field input errors.
func IsValidation(err error) (validate.Errors, bool) {
	var verrs validate.Errors
	ok := errors.As(err, &verrs)
	return verrs, ok
}
