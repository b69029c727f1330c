// Package refresh owns the refresh_tokens table: issuing with rotation,
// verification, revocation and expiry cleanup.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/obs"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/refresh/entity"
	refreshrepo "github.com/ovaphlow/pitchfork/service-shop-auth/internal/refresh/repo"
	userentity "github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

const defaultCleanupBatch = 1000

// UserLookup resolves the owner of a new token. A missing user is an apperr.ErrNotFound.
type UserLookup interface {
	FindByUsername(ctx context.Context, username string) (*userentity.User, error)
}

// Minter signs refresh token strings.
type Minter interface {
	MintRefreshToken(subject string) (string, error)
	RefreshTTL() time.Duration
}

type Service struct {
	store   refreshrepo.Store
	users   UserLookup
	minter  Minter
	clock   clockwork.Clock
	metrics *obs.Metrics
	logger  *zap.SugaredLogger
	batch   int
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m *obs.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithCleanupBatch(n int) Option { return func(s *Service) { s.batch = n } }

func NewService(db *sqlx.DB, store refreshrepo.Store, users UserLookup, minter Minter, logger *zap.SugaredLogger, opts ...Option) *Service {
	if store == nil {
		store = refreshrepo.NewRefreshRepo(db)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{
		store:  store,
		users:  users,
		minter: minter,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		batch:  defaultCleanupBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.batch <= 0 {
		s.batch = defaultCleanupBatch
	}
	return s
}

// Issue revokes the user's live tokens and stores a freshly minted one in
// the same transaction, so at most one chain per user stays usable.
func (s *Service) Issue(ctx context.Context, username string) (*entity.RefreshToken, error) {
	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	signed, err := s.minter.MintRefreshToken(u.Username)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}
	now := s.clock.Now()
	rec := &entity.RefreshToken{
		ID:         utilities.NewSnowflakeID(),
		Token:      signed,
		UserID:     u.ID,
		Username:   u.Username,
		ExpiryDate: now.Add(s.minter.RefreshTTL()),
		CreatedAt:  now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, st refreshrepo.Store) error {
		revoked, err := st.RevokeActiveByUser(ctx, u.ID, now)
		if err != nil {
			return fmt.Errorf("revoke previous tokens: %w", err)
		}
		if revoked > 0 {
			s.logger.Debugw("previous refresh tokens revoked", "user_id", u.ID, "count", revoked)
		}
		if err := st.Insert(ctx, rec); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Verify returns the stored record when token is known, not revoked and not
// expired. Every failure surfaces as apperr.ErrAuthenticationFailed.
func (s *Service) Verify(ctx context.Context, token string) (*entity.RefreshToken, error) {
	if token == "" {
		return nil, s.reject("empty", nil)
	}
	rec, err := s.store.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	switch {
	case rec == nil:
		return nil, s.reject("absent", nil)
	case rec.Revoked:
		return nil, s.reject("revoked", rec)
	case rec.Expired(s.clock.Now()):
		return nil, s.reject("expired", rec)
	}
	return rec, nil
}

func (s *Service) reject(cause string, rec *entity.RefreshToken) error {
	s.metrics.Refresh(cause)
	if rec != nil {
		s.logger.Infow("refresh token rejected", "cause", cause, "user_id", rec.UserID, "token_id", rec.ID)
	} else {
		s.logger.Infow("refresh token rejected", "cause", cause)
	}
	return fmt.Errorf("%w: refresh token %s", apperr.ErrAuthenticationFailed, cause)
}

// RevokeAll marks every token of userID revoked. Calling it twice is harmless.
func (s *Service) RevokeAll(ctx context.Context, userID int64) error {
	n, err := s.store.RevokeAllByUser(ctx, userID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.logger.Infow("refresh tokens revoked", "user_id", userID, "count", n)
	return nil
}

// CleanupExpired deletes tokens whose expiry has passed, including revoked ones.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var total int64
	for {
		n, err := s.store.DeleteExpired(ctx, now, s.batch)
		total += n
		if err != nil {
			return total, fmt.Errorf("delete expired refresh tokens: %w", err)
		}
		if n < int64(s.batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	s.metrics.CleanupDeleted("refresh_tokens", total)
	return total, nil
}
