package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashauth/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestBlockIPRollsBackWhenAuditInsertFails(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ip_blacklist`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := st.BlockIP(context.Background(),
		models.IPBlacklistEntry{IPAddress: "203.0.113.5", Reason: "abuse", BlockedBy: "admin"},
		models.AuditLogEntry{UserID: "admin", Action: "block_ip", ResourceType: "ip_address"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnblockIPRollsBackWhenAuditInsertFails(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ip_blacklist SET is_active=FALSE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := st.UnblockIP(context.Background(), "203.0.113.5", "admin",
		models.AuditLogEntry{UserID: "admin", Action: "unblock_ip", ResourceType: "ip_address"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnblockIPWithoutActiveEntryIsNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ip_blacklist SET is_active=FALSE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.UnblockIP(context.Background(), "203.0.113.5", "admin", models.AuditLogEntry{Action: "unblock_ip"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPasswordChangeRollsBackWhenRevokeFails(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET password_hash`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_sessions SET is_active=FALSE`).WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	_, err := st.UpdatePasswordAndRevokeSessions(context.Background(), "u1", "hash")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
