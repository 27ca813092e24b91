package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dashauth/internal/models"
)

func (s *Store) InsertFailedAttempt(ctx context.Context, a models.FailedLoginAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO failed_login_attempts(id,email,ip_address,user_agent,attempted_at) VALUES(?,?,?,?,?)`),
		a.ID, a.Email, a.IPAddress, a.UserAgent, a.AttemptedAt,
	)
	return err
}

func (s *Store) InsertSecurityEvent(ctx context.Context, e models.SecurityEvent) (models.SecurityEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.EventLogged
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO security_events(id,type,severity,user_id,ip_address,description,status,created_at) VALUES(?,?,?,?,?,?,?,?)`),
		e.ID, e.Type, string(e.Severity), e.UserID, e.IPAddress, e.Description, string(e.Status), e.CreatedAt,
	)
	if err != nil {
		return models.SecurityEvent{}, err
	}
	return e, nil
}

func (s *Store) ListSecurityEvents(ctx context.Context, q models.EventQuery) ([]models.SecurityEvent, error) {
	query := `SELECT id,type,severity,user_id,ip_address,description,status,created_at FROM security_events WHERE 1=1`
	args := []any{}
	if q.Type != "" {
		query += ` AND type=?`
		args = append(args, q.Type)
	}
	if q.Severity != "" {
		query += ` AND severity=?`
		args = append(args, q.Severity)
	}
	if q.IP != "" {
		query += ` AND ip_address=?`
		args = append(args, q.IP)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	out := []models.SecurityEvent{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountEventsSince(ctx context.Context, ip, eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(1) FROM security_events WHERE ip_address=? AND type=? AND created_at >= ?`),
		ip, eventType, since.UTC(),
	)
	return n, err
}

// SecuritySummary aggregates the dashboard counters for events created at or
// after since.
func (s *Store) SecuritySummary(ctx context.Context, since time.Time) (models.SecuritySummary, error) {
	var row struct {
		Blocked  int `db:"blocked"`
		Failed   int `db:"failed"`
		High     int `db:"high"`
		Firewall int `db:"firewall"`
	}
	since = since.UTC()
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT
		(SELECT COUNT(1) FROM security_events WHERE status='blocked' AND created_at >= ?) AS blocked,
		(SELECT COUNT(1) FROM failed_login_attempts WHERE attempted_at >= ?) AS failed,
		(SELECT COUNT(1) FROM security_events WHERE severity='high' AND created_at >= ?) AS high,
		(SELECT COUNT(1) FROM firewall_rules WHERE is_active=TRUE) AS firewall`),
		since, since, since,
	)
	if err != nil {
		return models.SecuritySummary{}, fmt.Errorf("summary counts: %w", err)
	}
	out := models.SecuritySummary{
		BlockedAttacks:      row.Blocked,
		FailedLogins:        row.Failed,
		HighSeverityEvents:  row.High,
		ActiveFirewallRules: row.Firewall,
	}

	var last time.Time
	err = s.db.GetContext(ctx, &last,
		`SELECT completed_at FROM vulnerability_scans WHERE status='completed' AND completed_at IS NOT NULL ORDER BY completed_at DESC LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.SecuritySummary{}, fmt.Errorf("last scan: %w", err)
	default:
		out.LastScan = &last
	}
	return out, nil
}

func (s *Store) TopAttackingIPs(ctx context.Context, since time.Time, limit int) ([]models.AttackerIP, error) {
	out := []models.AttackerIP{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT ip_address, COUNT(1) AS attempts FROM failed_login_attempts
		 WHERE attempted_at >= ?
		 GROUP BY ip_address
		 ORDER BY attempts DESC, ip_address ASC
		 LIMIT ?`),
		since.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BlockIP stores an active blacklist entry together with its audit record.
// Either both rows are written or neither is.
func (s *Store) BlockIP(ctx context.Context, entry models.IPBlacklistEntry, audit models.AuditLogEntry) (models.IPBlacklistEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.IsActive = true
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO ip_blacklist(id,ip_address,reason,blocked_by,is_active,created_at) VALUES(?,?,?,?,?,?)`),
			entry.ID, entry.IPAddress, entry.Reason, entry.BlockedBy, true, entry.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert blacklist entry: %w", err)
		}
		audit.ResourceID = entry.IPAddress
		if err := insertAudit(ctx, tx, audit); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.IPBlacklistEntry{}, err
	}
	return entry, nil
}

// UnblockIP deactivates the active entry for ip and records the audit entry
// in the same transaction. History rows are kept.
func (s *Store) UnblockIP(ctx context.Context, ip, unblockedBy string, audit models.AuditLogEntry) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE ip_blacklist SET is_active=FALSE, unblocked_at=?, unblocked_by=? WHERE ip_address=? AND is_active=TRUE`),
			time.Now().UTC(), unblockedBy, ip,
		)
		if err != nil {
			return fmt.Errorf("deactivate blacklist entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		audit.ResourceID = ip
		if err := insertAudit(ctx, tx, audit); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

func (s *Store) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(1) FROM ip_blacklist WHERE ip_address=? AND is_active=TRUE`), ip); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListBlockedIPs(ctx context.Context, activeOnly bool, limit, offset int) ([]models.IPBlacklistEntry, error) {
	q := `SELECT id,ip_address,reason,blocked_by,is_active,created_at,unblocked_at,unblocked_by FROM ip_blacklist`
	if activeOnly {
		q += ` WHERE is_active=TRUE`
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	out := []models.IPBlacklistEntry{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), limit, offset); err != nil {
		return nil, err
	}
	return out, nil
}

func insertAudit(ctx context.Context, ext sqlx.ExtContext, e models.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ext.ExecContext(ctx, ext.Rebind(
		`INSERT INTO audit_log(id,user_id,action,resource_type,resource_id,ip_address,details,created_at) VALUES(?,?,?,?,?,?,?,?)`),
		e.ID, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.IPAddress, e.Details, e.CreatedAt,
	)
	return err
}

func (s *Store) InsertAudit(ctx context.Context, e models.AuditLogEntry) error {
	return insertAudit(ctx, s.db, e)
}

func (s *Store) ListAudit(ctx context.Context, action string, limit, offset int) ([]models.AuditLogEntry, error) {
	q := `SELECT id,user_id,action,resource_type,resource_id,ip_address,details,created_at FROM audit_log`
	args := []any{}
	if action != "" {
		q += ` WHERE action=?`
		args = append(args, action)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	out := []models.AuditLogEntry{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListFirewallRules(ctx context.Context) ([]models.FirewallRule, error) {
	out := []models.FirewallRule{}
	err := s.db.SelectContext(ctx, &out,
		`SELECT id,name,action,source,description,priority,is_active,created_at FROM firewall_rules ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateScan(ctx context.Context, scan models.VulnerabilityScan) (models.VulnerabilityScan, error) {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.StartedAt.IsZero() {
		scan.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO vulnerability_scans(id,scan_type,status,findings_critical,findings_high,findings_medium,findings_low,started_at,completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`),
		scan.ID, scan.ScanType, scan.Status, scan.FindingsCritical, scan.FindingsHigh, scan.FindingsMedium, scan.FindingsLow, scan.StartedAt, scan.CompletedAt,
	)
	if err != nil {
		return models.VulnerabilityScan{}, err
	}
	return scan, nil
}

func (s *Store) ListScans(ctx context.Context, limit, offset int) ([]models.VulnerabilityScan, error) {
	out := []models.VulnerabilityScan{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT id,scan_type,status,findings_critical,findings_high,findings_medium,findings_low,started_at,completed_at
		 FROM vulnerability_scans ORDER BY started_at DESC LIMIT ? OFFSET ?`),
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
