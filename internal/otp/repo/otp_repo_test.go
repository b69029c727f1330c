package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/otp/entity"
)

var cols = []string{"id", "login", "otp_code", "created_at", "expired_at", "verified", "used", "attempt_count"}

func newRepo(t *testing.T) (*OTPRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewOTPRepo(sqlx.NewDb(db, "sqlmock")), mock
}

func TestFindByLogin_MissingIsNil(t *testing.T) {
	r, mock := newRepo(t)
	mock.ExpectQuery("FROM otp_verification WHERE login").WithArgs("a@b.com").WillReturnRows(sqlmock.NewRows(cols))

	o, err := r.FindByLogin(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Nil(t, o)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResetsState(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (login) DO UPDATE")).
		WithArgs("new-id", "a@b.com", "123456", now, now.Add(5*time.Minute), false, false, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("old-id"))

	o := &entity.OTP{ID: "new-id", Login: "a@b.com", Code: "123456", CreatedAt: now, ExpiredAt: now.Add(5 * time.Minute)}
	require.NoError(t, r.Upsert(context.Background(), o))
	assert.Equal(t, "old-id", o.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_LocksRowAndCommits(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE login = $1 FOR UPDATE")).WithArgs("a@b.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("1", "a@b.com", "123456", now, now.Add(time.Minute), false, false, 0))
	mock.ExpectExec("UPDATE otp_verification SET").WithArgs("a@b.com", true, true, 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.WithTx(context.Background(), func(ctx context.Context, s Store) error {
		o, err := s.FindByLoginForUpdate(ctx, "a@b.com")
		if err != nil {
			return err
		}
		o.Used, o.Verified = true, true
		// nested WithTx joins the outer transaction
		return s.WithTx(ctx, func(ctx context.Context, s Store) error { return s.Update(ctx, o) })
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBack(t *testing.T) {
	r, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := r.WithTx(context.Background(), func(ctx context.Context, s Store) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("WHERE expired_at < $1 LIMIT $2")).WithArgs(now, 100).WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := r.DeleteExpired(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
