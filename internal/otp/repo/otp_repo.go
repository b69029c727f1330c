package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/database"
)

// Store is the persistence of OTP records. Reads return nil, nil when no record exists.
type Store interface {
	FindByLogin(ctx context.Context, login string) (*entity.OTP, error)
	// FindByLoginForUpdate locks the row until the surrounding WithTx ends.
	FindByLoginForUpdate(ctx context.Context, login string) (*entity.OTP, error)
	Upsert(ctx context.Context, o *entity.OTP) error
	Update(ctx context.Context, o *entity.OTP) error
	DeleteByLogin(ctx context.Context, login string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}

// OTPRepo implements Store on the otp_verification table.
type OTPRepo struct {
	db   *sqlx.DB
	q    database.DBTX
	inTx bool
}

func NewOTPRepo(db *sqlx.DB) *OTPRepo { return &OTPRepo{db: db, q: db} }

// conn prefers a transaction bound to ctx by the caller.
func (r *OTPRepo) conn(ctx context.Context) database.DBTX { return database.Conn(ctx, r.q) }

const otpColumns = `id, login, otp_code, created_at, expired_at, verified, used, attempt_count`

func (r *OTPRepo) FindByLogin(ctx context.Context, login string) (*entity.OTP, error) {
	return r.get(ctx, `SELECT `+otpColumns+` FROM otp_verification WHERE login = $1`, login)
}

func (r *OTPRepo) FindByLoginForUpdate(ctx context.Context, login string) (*entity.OTP, error) {
	return r.get(ctx, `SELECT `+otpColumns+` FROM otp_verification WHERE login = $1 FOR UPDATE`, login)
}

func (r *OTPRepo) get(ctx context.Context, q, login string) (*entity.OTP, error) {
	var o entity.OTP
	if err := r.conn(ctx).GetContext(ctx, &o, q, login); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// Upsert writes a fresh record for o.Login, overwriting code, timestamps,
// flags and attempts of an existing one. The row id is kept on conflict.
func (r *OTPRepo) Upsert(ctx context.Context, o *entity.OTP) error {
	const q = `INSERT INTO otp_verification (id, login, otp_code, created_at, expired_at, verified, used, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (login) DO UPDATE SET
			otp_code = EXCLUDED.otp_code,
			created_at = EXCLUDED.created_at,
			expired_at = EXCLUDED.expired_at,
			verified = EXCLUDED.verified,
			used = EXCLUDED.used,
			attempt_count = EXCLUDED.attempt_count
		RETURNING id`
	row := r.conn(ctx).QueryRowxContext(ctx, q, o.ID, o.Login, o.Code, o.CreatedAt, o.ExpiredAt, o.Verified, o.Used, o.AttemptCount)
	return row.Scan(&o.ID)
}

// Update writes the mutable state of an existing record.
func (r *OTPRepo) Update(ctx context.Context, o *entity.OTP) error {
	const q = `UPDATE otp_verification SET verified = $2, used = $3, attempt_count = $4 WHERE login = $1`
	_, err := r.conn(ctx).ExecContext(ctx, q, o.Login, o.Verified, o.Used, o.AttemptCount)
	return err
}

func (r *OTPRepo) DeleteByLogin(ctx context.Context, login string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM otp_verification WHERE login = $1`, login)
	return err
}

// DeleteExpired removes at most limit records with expired_at < now.
func (r *OTPRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	const q = `DELETE FROM otp_verification WHERE id IN (
		SELECT id FROM otp_verification WHERE expired_at < $1 LIMIT $2)`
	res, err := r.conn(ctx).ExecContext(ctx, q, now, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// WithTx runs fn against a transaction-bound repo. Nested calls reuse the outer transaction.
func (r *OTPRepo) WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return database.WithTx(ctx, r.db, database.ReadCommitted, func(ctx context.Context, tx database.DBTX) error {
		return fn(ctx, &OTPRepo{db: r.db, q: tx, inTx: true})
	})
}
