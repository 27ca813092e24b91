package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dashauth/internal/auth"
	"dashauth/internal/metrics"
	"dashauth/internal/models"
	"dashauth/internal/security"
	"dashauth/internal/store"
	"dashauth/internal/validate"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrTokenRequired      = errors.New("access token required")
	ErrSessionInvalid     = errors.New("session expired or invalid")
	ErrWrongPassword      = errors.New("current password is incorrect")
)

const maxNameLength = 100

type Options struct {
	PasswordPolicy validate.PasswordPolicy
	Log            *zap.Logger
}

type Service struct {
	st        *store.Store
	tokens    auth.TokenCodec
	hasher    auth.PasswordHasher
	monitor   *security.Monitor
	blocklist *security.Blocklist
	policy    validate.PasswordPolicy
	log       *zap.Logger

	// dummyHash is compared against when the email is unknown so that both
	// failure paths cost one hash comparison.
	dummyHash string
}

func New(st *store.Store, tokens auth.TokenCodec, hasher auth.PasswordHasher, monitor *security.Monitor, blocklist *security.Blocklist, opts Options) (*Service, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.PasswordPolicy.MinLength == 0 {
		opts.PasswordPolicy = validate.DefaultPasswordPolicy()
	}
	dummy, err := hasher.Hash("dashauth-unknown-user-placeholder")
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	return &Service{
		st:        st,
		tokens:    tokens,
		hasher:    hasher,
		monitor:   monitor,
		blocklist: blocklist,
		policy:    opts.PasswordPolicy,
		log:       opts.Log,
		dummyHash: dummy,
	}, nil
}

// Client is the request origin recorded with sessions and events.
type Client struct {
	IP        string
	UserAgent string
}

type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput, c Client) (models.User, error) {
	var v validate.Validator
	email := v.Email("email", in.Email)
	v.Password("password", in.Password, s.policy)
	name := v.Text("name", in.Name, 1, maxNameLength)
	if err := v.Err(); err != nil {
		return models.User{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return models.User{}, err
	}
	u, err := s.st.CreateUser(ctx, email, hash, name, models.RoleUser)
	if errors.Is(err, store.ErrConflict) {
		return models.User{}, ErrEmailTaken
	}
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	s.monitor.Record(ctx, security.Event{
		Type:        models.EventUserRegistered,
		Severity:    models.SeverityLow,
		UserID:      u.ID,
		IPAddress:   c.IP,
		Description: "user registered: " + email,
	})
	return u, nil
}

type LoginResult struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         models.User `json:"user"`
}

func (s *Service) Login(ctx context.Context, email, password string, c Client) (LoginResult, error) {
	var v validate.Validator
	email = v.Email("email", email)
	if password == "" {
		v.Add("password", "is required")
	}
	if err := v.Err(); err != nil {
		return LoginResult{}, err
	}

	u, err := s.st.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.hasher.Compare(password, s.dummyHash)
		return LoginResult{}, s.loginFailed(ctx, email, "unknown email", c)
	case err != nil:
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if !s.hasher.Compare(password, u.PasswordHash) {
		return LoginResult{}, s.loginFailed(ctx, email, "wrong password", c)
	}

	now := time.Now().UTC()
	sid, err := auth.NewSessionID()
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.st.CreateSession(ctx, models.Session{
		ID:           sid,
		UserID:       u.ID,
		IPAddress:    c.IP,
		UserAgent:    validate.Sanitize(c.UserAgent),
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
	}); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	claims := auth.Claims{UserID: u.ID, Email: u.Email, Role: u.Role, SessionID: sid}
	access, err := s.tokens.Sign(claims, auth.AccessToken)
	if err != nil {
		return LoginResult{}, err
	}
	refresh, err := s.tokens.Sign(claims, auth.RefreshToken)
	if err != nil {
		return LoginResult{}, err
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.monitor.Record(ctx, security.Event{
		Type:        models.EventLogin,
		Severity:    models.SeverityLow,
		UserID:      u.ID,
		IPAddress:   c.IP,
		Description: "successful login",
	})
	return LoginResult{AccessToken: access, RefreshToken: refresh, User: u}, nil
}

func (s *Service) loginFailed(ctx context.Context, email, why string, c Client) error {
	metrics.LoginsTotal.WithLabelValues("failure").Inc()
	if err := s.st.InsertFailedAttempt(ctx, models.FailedLoginAttempt{
		Email:     email,
		IPAddress: c.IP,
		UserAgent: validate.Sanitize(c.UserAgent),
	}); err != nil {
		s.log.Error("failed login attempt write failed", zap.String("ip", c.IP), zap.Error(err))
	}
	s.monitor.Record(ctx, security.Event{
		Type:        models.EventFailedLogin,
		Severity:    models.SeverityLow,
		IPAddress:   c.IP,
		Description: fmt.Sprintf("failed login for %s (%s)", email, why),
	})
	return ErrInvalidCredentials
}

// Authenticate resolves an access token to the identity of an active
// session. Token and session failures are recorded as security events.
func (s *Service) Authenticate(ctx context.Context, raw string, c Client) (models.Identity, error) {
	if raw == "" {
		return models.Identity{}, ErrTokenRequired
	}
	claims, err := s.tokens.Verify(raw, auth.AccessToken)
	if err != nil {
		s.log.Debug("access token rejected", zap.String("reason", string(auth.Reason(err))), zap.String("ip", c.IP))
		s.monitor.Record(ctx, security.Event{
			Type:        models.EventInvalidToken,
			Severity:    models.SeverityLow,
			IPAddress:   c.IP,
			Description: "invalid or expired access token",
		})
		return models.Identity{}, auth.ErrInvalidToken
	}
	if err := s.requireActiveSession(ctx, claims, c); err != nil {
		return models.Identity{}, err
	}
	if err := s.st.TouchSession(ctx, claims.SessionID, time.Now()); err != nil {
		metrics.SessionTouchFailuresTotal.Inc()
		s.log.Warn("session touch failed", zap.String("session_id", claims.SessionID), zap.Error(err))
	}
	return models.Identity{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}, nil
}

func (s *Service) requireActiveSession(ctx context.Context, claims auth.Claims, c Client) error {
	sess, err := s.st.GetSession(ctx, claims.SessionID, claims.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load session: %w", err)
	}
	if err != nil || !sess.IsActive {
		s.monitor.Record(ctx, security.Event{
			Type:        models.EventSessionInvalid,
			Severity:    models.SeverityLow,
			UserID:      claims.UserID,
			IPAddress:   c.IP,
			Description: "token presented for a revoked or unknown session",
		})
		return ErrSessionInvalid
	}
	return nil
}

// Refresh issues a new access token for the session the refresh token
// belongs to. The user's current role is re-read.
func (s *Service) Refresh(ctx context.Context, raw string, c Client) (string, error) {
	if raw == "" {
		return "", ErrTokenRequired
	}
	claims, err := s.tokens.Verify(raw, auth.RefreshToken)
	if err != nil {
		s.log.Debug("refresh token rejected", zap.String("reason", string(auth.Reason(err))), zap.String("ip", c.IP))
		s.monitor.Record(ctx, security.Event{
			Type:        models.EventInvalidToken,
			Severity:    models.SeverityLow,
			IPAddress:   c.IP,
			Description: "invalid or expired refresh token",
		})
		return "", auth.ErrInvalidToken
	}
	if err := s.requireActiveSession(ctx, claims, c); err != nil {
		return "", err
	}
	u, err := s.st.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrSessionInvalid
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if err := s.st.TouchSession(ctx, claims.SessionID, time.Now()); err != nil {
		metrics.SessionTouchFailuresTotal.Inc()
		s.log.Warn("session touch failed", zap.String("session_id", claims.SessionID), zap.Error(err))
	}
	return s.tokens.Sign(auth.Claims{
		UserID:    u.ID,
		Email:     u.Email,
		Role:      u.Role,
		SessionID: claims.SessionID,
	}, auth.AccessToken)
}

// Logout revokes the caller's session. Revoking an already revoked session
// succeeds.
func (s *Service) Logout(ctx context.Context, id models.Identity, c Client) error {
	err := s.st.RevokeSession(ctx, id.SessionID, id.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.monitor.Record(ctx, security.Event{
		Type:        models.EventLogout,
		Severity:    models.SeverityLow,
		UserID:      id.UserID,
		IPAddress:   c.IP,
		Description: "logout",
	})
	return nil
}

func (s *Service) Me(ctx context.Context, id models.Identity) (models.User, error) {
	return s.st.GetUserByID(ctx, id.UserID)
}

func (s *Service) ListSessions(ctx context.Context, id models.Identity) ([]models.Session, error) {
	return s.st.ListUserSessions(ctx, id.UserID, true)
}

// RevokeSession ends one of the caller's own sessions. store.ErrNotFound
// means no active session with that id belongs to the caller.
func (s *Service) RevokeSession(ctx context.Context, id models.Identity, sessionID string) error {
	return s.st.RevokeSession(ctx, sessionID, id.UserID)
}

func (s *Service) ChangePassword(ctx context.Context, id models.Identity, current, next string, c Client) (int64, error) {
	var v validate.Validator
	if current == "" {
		v.Add("currentPassword", "is required")
	}
	v.Password("newPassword", next, s.policy)
	if err := v.Err(); err != nil {
		return 0, err
	}
	u, err := s.st.GetUserByID(ctx, id.UserID)
	if err != nil {
		return 0, err
	}
	if !s.hasher.Compare(current, u.PasswordHash) {
		s.monitor.Record(ctx, security.Event{
			Type:        models.EventFailedLogin,
			Severity:    models.SeverityMedium,
			UserID:      u.ID,
			IPAddress:   c.IP,
			Description: "wrong current password on password change",
		})
		return 0, ErrWrongPassword
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return 0, err
	}
	revoked, err := s.st.UpdatePasswordAndRevokeSessions(ctx, u.ID, hash)
	if err != nil {
		return 0, fmt.Errorf("change password: %w", err)
	}
	s.monitor.Record(ctx, security.Event{
		Type:        models.EventPasswordChanged,
		Severity:    models.SeverityMedium,
		UserID:      u.ID,
		IPAddress:   c.IP,
		Description: fmt.Sprintf("password changed, %d sessions revoked", revoked),
	})
	return revoked, nil
}

// EnsureBootstrapAdmin creates or promotes the configured admin account.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	var v validate.Validator
	email = v.Email("email", email)
	if err := v.Err(); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	return s.st.EnsureAdmin(ctx, email, hash)
}
