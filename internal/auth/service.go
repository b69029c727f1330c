// Package auth composes the user directory, OTP manager, token signer and
// refresh token store into registration, login, refresh and logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/obs"
	refreshentity "github.com/ovaphlow/pitchfork/service-shop-auth/internal/refresh/entity"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

const (
	MinPasswordLength = 6
	// MaxPasswordLength is the bcrypt input limit.
	MaxPasswordLength = 72

	TokenTypeBearer = "Bearer"
)

// Accounts is the user directory and credential authenticator. *user.UserService implements it.
type Accounts interface {
	FindByLogin(ctx context.Context, identifier string) (*entity.User, error)
	FindByUsername(ctx context.Context, username string) (*entity.User, error)
	FindByID(ctx context.Context, id int64) (*entity.User, error)
	ExistsByLogin(ctx context.Context, login string) (bool, error)
	CreateAccount(ctx context.Context, login, password, roleCode string) (*entity.User, error)
	Authenticate(ctx context.Context, username, password string) (*entity.User, error)
	PasswordMatches(u *entity.User, password string) bool
}

// OTPConsumer is the registration side of the OTP manager.
type OTPConsumer interface {
	VerifyOTPForRegister(ctx context.Context, login, code string) (bool, error)
	ClearOTP(ctx context.Context, login string) error
}

type AccessMinter interface {
	MintAccessToken(subject string, authorities []string) (string, error)
	AccessTTL() time.Duration
}

type RefreshTokens interface {
	Issue(ctx context.Context, username string) (*refreshentity.RefreshToken, error)
	Verify(ctx context.Context, token string) (*refreshentity.RefreshToken, error)
	RevokeAll(ctx context.Context, userID int64) error
}

// Transactor runs fn in one database transaction bound to the ctx it gets.
// *database.Transactor implements it.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// inline runs the unit of work without a transaction, for stores that have none.
type inline struct{}

func (inline) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type RegisterRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	ConfirmPassword  string `json:"confirmPassword"`
	VerificationCode string `json:"verificationCode"`
}

// LoginResponse is returned by register, login and refresh. Register leaves
// RefreshToken empty.
type LoginResponse struct {
	UserInfo     *entity.Profile `json:"user_info"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
}

// Service is the session manager.
type Service struct {
	accounts Accounts
	otp      OTPConsumer
	tokens   AccessMinter
	refresh  RefreshTokens
	tx       Transactor
	metrics  *obs.Metrics
	logger   *zap.SugaredLogger
}

type Option func(*Service)

// WithTransactor makes registration consume the code and create the account
// in one transaction, so a failed insert leaves the code usable.
func WithTransactor(t Transactor) Option { return func(s *Service) { s.tx = t } }

func NewService(accounts Accounts, otp OTPConsumer, tokens AccessMinter, refresh RefreshTokens, metrics *obs.Metrics, logger *zap.SugaredLogger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{accounts: accounts, otp: otp, tokens: tokens, refresh: refresh, tx: inline{}, metrics: metrics, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register creates a customer account after consuming the registration code.
// Nothing is written to the user table unless the code was consumed, and the
// code stays unconsumed when the account cannot be created.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*LoginResponse, error) {
	login, ok := utilities.NormalizeLogin(req.Email)
	if !ok {
		return nil, fmt.Errorf("%w: email or phone number is malformed", apperr.ErrInvalidInput)
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	if req.Password != req.ConfirmPassword {
		return nil, apperr.ErrMismatch
	}
	masked := utilities.MaskLogin(login)

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		consumed, err := s.otp.VerifyOTPForRegister(ctx, login, req.VerificationCode)
		if err != nil {
			return err
		}
		if !consumed {
			return fmt.Errorf("%w: invalid or expired verification code", apperr.ErrInvalidInput)
		}
		exists, err := s.accounts.ExistsByLogin(ctx, login)
		if err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: account already registered", apperr.ErrConflict)
		}
		_, err = s.accounts.CreateAccount(ctx, login, req.Password, user.DefaultRole)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.otp.ClearOTP(ctx, login); err != nil {
		s.logger.Warnw("clear otp after registration failed", "login", masked, "err", err)
	}

	u, err := s.accounts.Authenticate(ctx, login, req.Password)
	if err != nil {
		return nil, fmt.Errorf("authenticate new account: %w", err)
	}
	access, err := s.tokens.MintAccessToken(u.Username, u.Authorities())
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	s.logger.Infow("account registered", "login", masked, "user_id", u.ID)
	return &LoginResponse{
		UserInfo:    u.Profile(),
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   s.expiresIn(),
	}, nil
}

// Login never tells an unknown login apart from a wrong password.
func (s *Service) Login(ctx context.Context, login, password string) (*LoginResponse, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		s.metrics.Login("failed")
		return nil, apperr.ErrAuthenticationFailed
	}
	masked := utilities.MaskLogin(strings.ToLower(login))

	u, err := s.accounts.FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.accounts.PasswordMatches(nil, password)
			s.metrics.Login("failed")
			s.logger.Infow("login failed", "login", masked, "reason", "unknown login")
			return nil, apperr.ErrAuthenticationFailed
		}
		return nil, err
	}
	if !s.accounts.PasswordMatches(u, password) {
		s.metrics.Login("failed")
		s.logger.Infow("login failed", "login", masked, "reason", "bad credentials")
		return nil, apperr.ErrAuthenticationFailed
	}

	resp, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, err
	}
	s.metrics.Login("success")
	s.logger.Infow("login succeeded", "login", masked, "user_id", u.ID)
	return resp, nil
}

// Refresh exchanges a live refresh token for a new pair. The presented token
// is revoked by the rotation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	rec, err := s.refresh.Verify(ctx, strings.TrimSpace(refreshToken))
	if err != nil {
		return nil, err
	}
	u, err := s.accounts.FindByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.metrics.Refresh("owner_missing")
			return nil, apperr.ErrAuthenticationFailed
		}
		return nil, err
	}
	if u.Status != entity.StatusActive {
		s.metrics.Refresh("inactive")
		s.logger.Infow("refresh rejected for inactive account", "user_id", u.ID, "status", u.Status)
		return nil, apperr.ErrAuthenticationFailed
	}
	resp, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, err
	}
	s.metrics.Refresh("rotated")
	return resp, nil
}

// Logout revokes every refresh token of the principal. Access tokens already
// handed out stay valid until they expire.
func (s *Service) Logout(ctx context.Context, p *Principal) error {
	if p == nil {
		return apperr.ErrAuthenticationFailed
	}
	u, err := s.accounts.FindByUsername(ctx, p.Username)
	if err != nil {
		return err
	}
	if err := s.refresh.RevokeAll(ctx, u.ID); err != nil {
		return err
	}
	s.logger.Infow("logged out", "user_id", u.ID)
	return nil
}

// Me returns the current profile of the principal.
func (s *Service) Me(ctx context.Context, p *Principal) (*entity.Profile, error) {
	if p == nil {
		return nil, apperr.ErrAuthenticationFailed
	}
	u, err := s.accounts.FindByUsername(ctx, p.Username)
	if err != nil {
		return nil, err
	}
	return u.Profile(), nil
}

func (s *Service) issuePair(ctx context.Context, u *entity.User) (*LoginResponse, error) {
	access, err := s.tokens.MintAccessToken(u.Username, u.Authorities())
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	rt, err := s.refresh.Issue(ctx, u.Username)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &LoginResponse{
		UserInfo:     u.Profile(),
		AccessToken:  access,
		RefreshToken: rt.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.expiresIn(),
	}, nil
}

func (s *Service) expiresIn() int64 { return int64(s.tokens.AccessTTL() / time.Second) }

func validatePassword(pw string) error {
	switch {
	case len(pw) < MinPasswordLength:
		return fmt.Errorf("%w: password must be at least %d characters", apperr.ErrInvalidInput, MinPasswordLength)
	case len(pw) > MaxPasswordLength:
		return fmt.Errorf("%w: password must be at most %d bytes", apperr.ErrInvalidInput, MaxPasswordLength)
	}
	return nil
}
