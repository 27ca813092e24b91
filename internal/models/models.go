package models

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	DisplayName  string    `db:"display_name" json:"name"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"-"`
}

// Session is the server-side authority for whether tokens carrying its id
// are honored. IsActive only ever moves from true to false.
type Session struct {
	ID           string     `db:"id" json:"id"`
	UserID       string     `db:"user_id" json:"user_id"`
	IPAddress    string     `db:"ip_address" json:"ip_address"`
	UserAgent    string     `db:"user_agent" json:"user_agent"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	LastActivity time.Time  `db:"last_activity" json:"last_activity"`
	RevokedAt    *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Identity is what the auth gate attaches to an authenticated request.
type Identity struct {
	UserID    string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type FailedLoginAttempt struct {
	ID          string    `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	AttemptedAt time.Time `db:"attempted_at" json:"attempted_at"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so thresholds can be compared; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type EventStatus string

const (
	EventLogged        EventStatus = "logged"
	EventBlocked       EventStatus = "blocked"
	EventResolved      EventStatus = "resolved"
	EventInvestigating EventStatus = "investigating"
)

const (
	EventLogin              = "login"
	EventLogout             = "logout"
	EventFailedLogin        = "failed_login"
	EventBruteForce         = "brute_force"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventInvalidToken       = "invalid_token"
	EventSessionInvalid     = "session_invalid"
	EventUnauthorizedAccess = "unauthorized_access"
	EventIPBlocked          = "ip_blocked"
	EventIPUnblocked        = "ip_unblocked"
	EventBlockedIPRequest   = "blocked_ip_request"
	EventPasswordChanged    = "password_changed"
	EventSessionsRevoked    = "sessions_revoked"
	EventUserRegistered     = "user_registered"
)

type SecurityEvent struct {
	ID          string      `db:"id" json:"id"`
	Type        string      `db:"type" json:"type"`
	Severity    Severity    `db:"severity" json:"severity"`
	UserID      *string     `db:"user_id" json:"user_id,omitempty"`
	IPAddress   string      `db:"ip_address" json:"ip_address"`
	Description string      `db:"description" json:"description"`
	Status      EventStatus `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

type IPBlacklistEntry struct {
	ID          string     `db:"id" json:"id"`
	IPAddress   string     `db:"ip_address" json:"ip_address"`
	Reason      string     `db:"reason" json:"reason"`
	BlockedBy   string     `db:"blocked_by" json:"blocked_by"`
	IsActive    bool       `db:"is_active" json:"is_active"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UnblockedAt *time.Time `db:"unblocked_at" json:"unblocked_at,omitempty"`
	UnblockedBy *string    `db:"unblocked_by" json:"unblocked_by,omitempty"`
}

type AuditLogEntry struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	IPAddress    string    `db:"ip_address" json:"ip_address"`
	Details      string    `db:"details" json:"details"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type FirewallRule struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Action      string    `db:"action" json:"action"`
	Source      string    `db:"source" json:"source"`
	Description string    `db:"description" json:"description"`
	Priority    int       `db:"priority" json:"priority"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type VulnerabilityScan struct {
	ID               string     `db:"id" json:"id"`
	ScanType         string     `db:"scan_type" json:"scan_type"`
	Status           string     `db:"status" json:"status"`
	FindingsCritical int        `db:"findings_critical" json:"findings_critical"`
	FindingsHigh     int        `db:"findings_high" json:"findings_high"`
	FindingsMedium   int        `db:"findings_medium" json:"findings_medium"`
	FindingsLow      int        `db:"findings_low" json:"findings_low"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

type EventQuery struct {
	Type     string
	Severity string
	IP       string
	Limit    int
	Offset   int
}

type AttackerIP struct {
	IPAddress string `db:"ip_address" json:"ip_address"`
	Attempts  int    `db:"attempts" json:"attempts"`
}

type SecuritySummary struct {
	BlockedAttacks      int        `json:"blockedAttacks"`
	FailedLogins        int        `json:"failedLogins"`
	HighSeverityEvents  int        `json:"highSeverityEvents"`
	ActiveFirewallRules int        `json:"activeFirewallRules"`
	LastScan            *time.Time `json:"lastScan"`
}
