package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/refresh/entity"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/database"
)

// Store persists refresh tokens. FindByToken returns nil, nil when the token is unknown.
type Store interface {
	FindByToken(ctx context.Context, token string) (*entity.RefreshToken, error)
	Insert(ctx context.Context, t *entity.RefreshToken) error
	RevokeAllByUser(ctx context.Context, userID int64, now time.Time) (int64, error)
	RevokeActiveByUser(ctx context.Context, userID int64, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}

type RefreshRepo struct {
	db   *sqlx.DB
	q    database.DBTX
	inTx bool
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo {
	return &RefreshRepo{db: db, q: db}
}

// conn prefers a transaction bound to ctx by the caller.
func (r *RefreshRepo) conn(ctx context.Context) database.DBTX { return database.Conn(ctx, r.q) }

func (r *RefreshRepo) FindByToken(ctx context.Context, token string) (*entity.RefreshToken, error) {
	const q = `SELECT t.id, t.token, t.user_id, u.username, t.expiry_date, t.created_at, t.revoked_at, t.revoked
		FROM refresh_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = $1`
	var t entity.RefreshToken
	if err := r.conn(ctx).GetContext(ctx, &t, q, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *RefreshRepo) Insert(ctx context.Context, t *entity.RefreshToken) error {
	const q = `INSERT INTO refresh_tokens (id, token, user_id, expiry_date, created_at, revoked_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.conn(ctx).ExecContext(ctx, q, t.ID, t.Token, t.UserID, t.ExpiryDate, t.CreatedAt, t.RevokedAt, t.Revoked)
	return err
}

// RevokeAllByUser stamps every token of the user revoked at now, whatever its state.
func (r *RefreshRepo) RevokeAllByUser(ctx context.Context, userID int64, now time.Time) (int64, error) {
	return r.exec(ctx, `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE user_id = $1`, userID, now)
}

// RevokeActiveByUser revokes only the tokens of the user that are still live.
func (r *RefreshRepo) RevokeActiveByUser(ctx context.Context, userID int64, now time.Time) (int64, error) {
	return r.exec(ctx, `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE user_id = $1 AND revoked = false`, userID, now)
}

// DeleteExpired removes at most limit tokens with expiry_date < now, revoked or not.
func (r *RefreshRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	return r.exec(ctx, `DELETE FROM refresh_tokens WHERE id IN (
		SELECT id FROM refresh_tokens WHERE expiry_date < $1 LIMIT $2)`, now, limit)
}

func (r *RefreshRepo) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := r.conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *RefreshRepo) WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return database.WithTx(ctx, r.db, database.ReadCommitted, func(ctx context.Context, tx database.DBTX) error {
		return fn(ctx, &RefreshRepo{db: r.db, q: tx, inTx: true})
	})
}
