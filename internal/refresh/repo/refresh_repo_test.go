package repo

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/refresh/entity"
)

func newRepo(t *testing.T) (*RefreshRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRefreshRepo(sqlx.NewDb(db, "sqlmock")), mock
}

func TestFindByTokenJoinsOwner(t *testing.T) {
	r, mock := newRepo(t)
	exp := time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("JOIN users u ON u.id = t.user_id")).WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "user_id", "username", "expiry_date", "created_at", "revoked_at", "revoked"}).
			AddRow("1", "tok", 7, "alice@example.com", exp, exp.Add(-7*24*time.Hour), nil, false))

	got, err := r.FindByToken(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice@example.com", got.Username)
	assert.Equal(t, int64(7), got.UserID)
	assert.False(t, got.RevokedAt.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByTokenMissingIsNil(t *testing.T) {
	r, mock := newRepo(t)
	mock.ExpectQuery("FROM refresh_tokens").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	got, err := r.FindByToken(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIssueSequenceInOneTransaction(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND revoked = false")).WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs("9", "tok", int64(7), now.Add(time.Hour), now, sql.NullTime{}, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.WithTx(context.Background(), func(ctx context.Context, s Store) error {
		n, err := s.RevokeActiveByUser(ctx, 7, now)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), n)
		return s.Insert(ctx, &entity.RefreshToken{ID: "9", Token: "tok", UserID: 7, ExpiryDate: now.Add(time.Hour), CreatedAt: now})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAllTouchesEveryRow(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("SET revoked = true, revoked_at = $2 WHERE user_id = $1")).WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := r.RevokeAllByUser(context.Background(), 7, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("WHERE expiry_date < $1 LIMIT $2")).WithArgs(now, 500).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := r.DeleteExpired(context.Background(), now, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
