package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

// DefaultRole is granted to every self-registered account.
const DefaultRole = "ROLE_CUSTOMER"

var (
	ErrUserNotFound = fmt.Errorf("%w: user", apperr.ErrNotFound)
	ErrRoleNotFound = fmt.Errorf("%w: role", apperr.ErrNotFound)
)

// Store is the persistence the user service needs. *userrepo.UserRepo implements it.
type Store interface {
	Create(ctx context.Context, u *entity.User, roleCode string) (int64, error)
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
	GetByPhone(ctx context.Context, phone string) (*entity.User, error)
	GetByID(ctx context.Context, id int64) (*entity.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByPhone(ctx context.Context, phone string) (bool, error)
	RoleCodes(ctx context.Context, userID int64) ([]string, error)
	PermissionCodes(ctx context.Context, userID int64) ([]string, error)
}

// UserService is the user directory and credential authenticator of the auth core.
type UserService struct {
	repo   Store
	hasher PasswordHasher
	logger *zap.SugaredLogger

	// dummyHash is compared against when there is no usable account, so a
	// miss costs as much as a wrong password.
	dummyOnce sync.Once
	dummyHash string
}

func NewUserService(db *sqlx.DB, r Store, hasher PasswordHasher, logger *zap.SugaredLogger) *UserService {
	if r == nil {
		r = userrepo.NewUserRepo(db)
	}
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UserService{repo: r, hasher: hasher, logger: logger}
}

// FindByLogin looks a phone-shaped identifier up by phone number, anything
// else by lowercased username.
func (s *UserService) FindByLogin(ctx context.Context, identifier string) (*entity.User, error) {
	identifier = strings.TrimSpace(identifier)
	var (
		u   *entity.User
		err error
	)
	if utilities.IsPhone(identifier) {
		u, err = s.repo.GetByPhone(ctx, identifier)
	} else {
		u, err = s.repo.GetByUsername(ctx, strings.ToLower(identifier))
	}
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s.withAuthorities(ctx, u)
}

func (s *UserService) FindByUsername(ctx context.Context, username string) (*entity.User, error) {
	u, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s.withAuthorities(ctx, u)
}

func (s *UserService) FindByID(ctx context.Context, id int64) (*entity.User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s.withAuthorities(ctx, u)
}

// ExistsByLogin checks emails against username (registration sets username
// to the login) and phones against phone_number.
func (s *UserService) ExistsByLogin(ctx context.Context, login string) (bool, error) {
	if utilities.IsEmail(login) {
		return s.repo.ExistsByUsername(ctx, login)
	}
	return s.repo.ExistsByPhone(ctx, login)
}

// CreateAccount hashes the password and stores a user whose username is the
// normalized login, filling email or phone_number by its shape.
func (s *UserService) CreateAccount(ctx context.Context, login, password, roleCode string) (*entity.User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &entity.User{
		Username:     login,
		PasswordHash: hash,
		Status:       entity.StatusActive,
		UserType:     "customer",
	}
	if utilities.IsEmail(login) {
		u.Email = &login
	} else {
		u.PhoneNumber = &login
	}
	if _, err := s.repo.Create(ctx, u, roleCode); err != nil {
		switch {
		case errors.Is(err, userrepo.ErrRoleNotFound):
			s.logger.Errorw("default role missing, check role seed data", "role", roleCode)
			return nil, fmt.Errorf("%w %s", ErrRoleNotFound, roleCode)
		case errors.Is(err, userrepo.ErrDuplicate):
			return nil, fmt.Errorf("%w: account already registered", apperr.ErrConflict)
		}
		return nil, err
	}
	return s.withAuthorities(ctx, u)
}

// Authenticate checks username and password and returns the user with its
// authorities. Every failure is ErrAuthenticationFailed to avoid user enumeration.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*entity.User, error) {
	u, err := s.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.PasswordMatches(nil, password)
			return nil, apperr.ErrAuthenticationFailed
		}
		return nil, err
	}
	if !s.PasswordMatches(u, password) {
		return nil, apperr.ErrAuthenticationFailed
	}
	return u, nil
}

// PasswordMatches also rejects accounts that are not active. A nil user is
// checked against a dummy hash and never matches.
func (s *UserService) PasswordMatches(u *entity.User, password string) bool {
	if u == nil || u.Status != entity.StatusActive {
		s.hasher.Matches(password, s.dummy())
		return false
	}
	return s.hasher.Matches(password, u.PasswordHash)
}

func (s *UserService) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("not-a-real-password")
		if err != nil {
			s.logger.Warnw("dummy password hash", "err", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

func (s *UserService) withAuthorities(ctx context.Context, u *entity.User) (*entity.User, error) {
	roles, err := s.repo.RoleCodes(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	perms, err := s.repo.PermissionCodes(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	u.Roles, u.Permissions = roles, perms
	return u, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	return err
}
