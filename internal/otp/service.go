package otp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/notify"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/obs"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/otp/entity"
	otprepo "github.com/ovaphlow/pitchfork/service-shop-auth/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

const (
	CodeLength  = 6
	TTL         = 5 * time.Minute
	Cooldown    = 60 * time.Second
	MaxAttempts = 5

	defaultCleanupBatch = 1000
)

// AccountChecker tells whether a login already belongs to an account.
type AccountChecker interface {
	ExistsByLogin(ctx context.Context, login string) (bool, error)
}

// Manager runs the OTP lifecycle: send, the two verify paths, clear and cleanup.
// All state lives in the store; every call re-reads the record.
type Manager struct {
	store   otprepo.Store
	users   AccountChecker
	sender  notify.Sender
	digits  utilities.DigitSource
	clock   clockwork.Clock
	metrics *obs.Metrics
	logger  *zap.SugaredLogger
	batch   int
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithDigitSource(d utilities.DigitSource) Option { return func(m *Manager) { m.digits = d } }

func WithMetrics(mt *obs.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithCleanupBatch caps the rows removed per delete statement.
func WithCleanupBatch(n int) Option { return func(m *Manager) { m.batch = n } }

func NewManager(db *sqlx.DB, store otprepo.Store, users AccountChecker, sender notify.Sender, logger *zap.SugaredLogger, opts ...Option) *Manager {
	if store == nil {
		store = otprepo.NewOTPRepo(db)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Manager{
		store:  store,
		users:  users,
		sender: sender,
		digits: utilities.CryptoDigits{},
		clock:  clockwork.NewRealClock(),
		logger: logger,
		batch:  defaultCleanupBatch,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.batch <= 0 {
		m.batch = defaultCleanupBatch
	}
	return m
}

// SendOTP issues a fresh code for login and delivers it. A delivery failure
// leaves the new record in place so the user can resend after the cooldown.
func (m *Manager) SendOTP(ctx context.Context, rawLogin string) error {
	login, err := normalizeLogin(rawLogin)
	if err != nil {
		return err
	}
	masked := utilities.MaskLogin(login)

	exists, err := m.users.ExistsByLogin(ctx, login)
	if err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	if exists {
		m.metrics.OTPSent("conflict")
		if utilities.IsEmail(login) {
			return fmt.Errorf("%w: email is already registered", apperr.ErrConflict)
		}
		return fmt.Errorf("%w: phone number is already registered", apperr.ErrConflict)
	}

	now := m.clock.Now()
	prev, err := m.store.FindByLogin(ctx, login)
	if err != nil {
		return fmt.Errorf("load otp: %w", err)
	}
	if prev != nil {
		if until := prev.CreatedAt.Add(Cooldown); now.Before(until) {
			m.metrics.OTPSent("rate_limited")
			m.logger.Infow("otp resend within cooldown", "login", masked)
			return &apperr.CooldownError{Remaining: until.Sub(now)}
		}
	}

	code, err := m.digits.Digits(CodeLength)
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	rec := &entity.OTP{
		ID:        utilities.NewSnowflakeID(),
		Login:     login,
		Code:      code,
		CreatedAt: now,
		ExpiredAt: now.Add(TTL),
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save otp: %w", err)
	}

	if err := m.sender.Send(ctx, notify.OTPEmail(login, code, TTL)); err != nil {
		m.metrics.OTPSent("delivery_failed")
		m.logger.Errorw("otp delivery failed", "login", masked, "err", err)
		return fmt.Errorf("%w: %v", apperr.ErrDeliveryFailed, err)
	}
	m.metrics.OTPSent("sent")
	m.logger.Infow("otp sent", "login", masked)
	return nil
}

// VerifyOTP is the repeatable check used before registration. Mismatches
// count toward MaxAttempts; a match marks the record verified but not used.
func (m *Manager) VerifyOTP(ctx context.Context, rawLogin, rawCode string) (bool, error) {
	login, code, err := normalizePair(rawLogin, rawCode)
	if err != nil {
		return false, err
	}
	masked := utilities.MaskLogin(login)

	rec, err := m.store.FindByLogin(ctx, login)
	if err != nil {
		return false, fmt.Errorf("load otp: %w", err)
	}
	if rec == nil {
		m.verified("check", "absent")
		m.logger.Warnw("otp not found", "login", masked)
		return false, nil
	}
	if rec.Expired(m.clock.Now()) {
		m.verified("check", "expired")
		m.logger.Warnw("otp expired", "login", masked)
		return false, nil
	}
	if rec.AttemptCount >= MaxAttempts {
		m.verified("check", "locked")
		m.logger.Warnw("otp attempts exhausted", "login", masked)
		return false, fmt.Errorf("%w: request a new code", apperr.ErrTooManyAttempts)
	}
	if !codesEqual(rec.Code, code) {
		rec.AttemptCount++
		if err := m.store.Update(ctx, rec); err != nil {
			return false, fmt.Errorf("save otp attempt: %w", err)
		}
		m.verified("check", "mismatch")
		m.logger.Warnw("otp mismatch", "login", masked, "attempts", rec.AttemptCount)
		return false, nil
	}
	rec.Verified = true
	if err := m.store.Update(ctx, rec); err != nil {
		return false, fmt.Errorf("save otp: %w", err)
	}
	m.verified("check", "ok")
	m.logger.Infow("otp verified", "login", masked)
	return true, nil
}

// VerifyOTPForRegister consumes the code. The row is read FOR UPDATE and the
// used flag committed before returning, so a concurrent second consumer sees
// used=true. Mismatches here do not touch the attempt counter.
func (m *Manager) VerifyOTPForRegister(ctx context.Context, rawLogin, rawCode string) (bool, error) {
	login, code, err := normalizePair(rawLogin, rawCode)
	if err != nil {
		return false, err
	}
	masked := utilities.MaskLogin(login)

	var consumed bool
	err = m.store.WithTx(ctx, func(ctx context.Context, s otprepo.Store) error {
		rec, err := s.FindByLoginForUpdate(ctx, login)
		if err != nil {
			return fmt.Errorf("lock otp: %w", err)
		}
		switch {
		case rec == nil:
			m.verified("register", "absent")
			m.logger.Warnw("otp not found", "login", masked)
			return nil
		case rec.Used:
			m.verified("register", "used")
			m.logger.Warnw("otp already used", "login", masked)
			return fmt.Errorf("%w: verification code was already used", apperr.ErrAlreadyUsed)
		case rec.Expired(m.clock.Now()):
			m.verified("register", "expired")
			m.logger.Warnw("otp expired", "login", masked)
			return nil
		case !codesEqual(rec.Code, code):
			m.verified("register", "mismatch")
			m.logger.Warnw("otp mismatch", "login", masked)
			return nil
		}
		rec.Verified, rec.Used = true, true
		if err := s.Update(ctx, rec); err != nil {
			return fmt.Errorf("consume otp: %w", err)
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if consumed {
		m.verified("register", "ok")
		m.logger.Infow("otp consumed", "login", masked)
	}
	return consumed, nil
}

// ClearOTP deletes the record of login whatever its state.
func (m *Manager) ClearOTP(ctx context.Context, rawLogin string) error {
	login, err := normalizeLogin(rawLogin)
	if err != nil {
		return err
	}
	if err := m.store.DeleteByLogin(ctx, login); err != nil {
		return fmt.Errorf("clear otp: %w", err)
	}
	return nil
}

// CleanupExpired purges records past expired_at in batches and returns the total removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	now := m.clock.Now()
	var total int64
	for {
		n, err := m.store.DeleteExpired(ctx, now, m.batch)
		total += n
		if err != nil {
			return total, fmt.Errorf("delete expired otp: %w", err)
		}
		if n < int64(m.batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	m.metrics.CleanupDeleted("otp", total)
	return total, nil
}

func (m *Manager) verified(path, result string) { m.metrics.OTPVerified(path, result) }

func normalizeLogin(raw string) (string, error) {
	login, ok := utilities.NormalizeLogin(raw)
	if !ok {
		return "", fmt.Errorf("%w: login must be an email address or a 10-15 digit phone number", apperr.ErrInvalidInput)
	}
	return login, nil
}

func normalizePair(rawLogin, rawCode string) (string, string, error) {
	login, err := normalizeLogin(rawLogin)
	if err != nil {
		return "", "", err
	}
	code, ok := utilities.NormalizeOTP(rawCode)
	if !ok {
		return "", "", fmt.Errorf("%w: verification code must be %d digits", apperr.ErrInvalidInput, CodeLength)
	}
	return login, code, nil
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
