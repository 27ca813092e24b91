package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"dashauth/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

// Store is the relational persistence layer. Queries are written with "?"
// placeholders and rebound for the active driver.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash, displayName, role string) (models.User, error) {
	now := time.Now().UTC()
	u := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO users(id,email,password_hash,display_name,role,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`),
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Role, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

// EnsureAdmin creates the bootstrap admin, or promotes and re-keys an
// existing account with the same email.
func (s *Store) EnsureAdmin(ctx context.Context, email, passwordHash string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_, err = s.CreateUser(ctx, email, passwordHash, "Administrator", models.RoleAdmin)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET role=?, password_hash=?, updated_at=? WHERE id=?`),
		models.RoleAdmin, passwordHash, time.Now().UTC(), u.ID,
	)
	return err
}

const userColumns = `id,email,password_hash,display_name,role,created_at,updated_at`

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE email=?`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

// UpdatePasswordAndRevokeSessions swaps the password hash and revokes every
// active session of the user in one transaction.
func (s *Store) UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash string) (int64, error) {
	var revoked int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET password_hash=?, updated_at=? WHERE id=?`), passwordHash, now, userID)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		res, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE user_sessions SET is_active=FALSE, revoked_at=? WHERE user_id=? AND is_active=TRUE`), now, userID)
		if err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		revoked, _ = res.RowsAffected()
		return nil
	})
	return revoked, err
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO user_sessions(id,user_id,ip_address,user_agent,is_active,created_at,last_activity) VALUES(?,?,?,?,?,?,?)`),
		sess.ID, sess.UserID, sess.IPAddress, sess.UserAgent, true, sess.CreatedAt, sess.LastActivity,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const sessionColumns = `id,user_id,ip_address,user_agent,is_active,created_at,last_activity,revoked_at`

// GetSession looks a session up by id and owner. A session id presented with
// a different user id is reported as not found.
func (s *Store) GetSession(ctx context.Context, id, userID string) (models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(
		`SELECT `+sessionColumns+` FROM user_sessions WHERE id=? AND user_id=?`), id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	return sess, err
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE user_sessions SET last_activity=? WHERE id=? AND is_active=TRUE`), at.UTC(), id)
	return err
}

// RevokeSession deactivates one active session. ErrNotFound means there was
// no active session with that id for the user.
func (s *Store) RevokeSession(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE user_sessions SET is_active=FALSE, revoked_at=? WHERE id=? AND user_id=? AND is_active=TRUE`),
		time.Now().UTC(), id, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE user_sessions SET is_active=FALSE, revoked_at=? WHERE user_id=? AND is_active=TRUE`),
		time.Now().UTC(), userID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListUserSessions(ctx context.Context, userID string, activeOnly bool) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE user_id=?`
	if activeOnly {
		q += ` AND is_active=TRUE`
	}
	q += ` ORDER BY last_activity DESC`
	out := []models.Session{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), userID); err != nil {
		return nil, err
	}
	return out, nil
}
