// Package permission resolves a user's roles and permissions through an
// explicit cache. Writes that change a user's grants evict that user's entry.
package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/repo"
)

// AdminAll grants every permission.
const AdminAll = "admin:all"

// Store is implemented by *userrepo.UserRepo.
type Store interface {
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
	RoleCodes(ctx context.Context, userID int64) ([]string, error)
	PermissionCodes(ctx context.Context, userID int64) ([]string, error)
	AddRole(ctx context.Context, userID int64, roleCode string) error
	RemoveRole(ctx context.Context, userID int64, roleCode string) (bool, error)
}

type Service struct {
	store  Store
	cache  Cache
	logger *zap.SugaredLogger
}

func NewService(store Store, cache Cache, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, cache: cache, logger: logger}
}

func (s *Service) entry(ctx context.Context, username string) (Entry, error) {
	if e, ok, err := s.cache.Get(ctx, username); err != nil {
		s.logger.Warnw("permission cache get failed", "username", username, "err", err)
	} else if ok {
		return e, nil
	}

	u, err := s.user(ctx, username)
	if err != nil {
		return Entry{}, err
	}
	roles, err := s.store.RoleCodes(ctx, u.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("load roles: %w", err)
	}
	perms, err := s.store.PermissionCodes(ctx, u.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("load permissions: %w", err)
	}
	e := Entry{Roles: roles, Permissions: perms}
	if err := s.cache.Put(ctx, username, e); err != nil {
		s.logger.Warnw("permission cache put failed", "username", username, "err", err)
	}
	return e, nil
}

// Authorities is the sorted union of role and permission codes.
func (s *Service) Authorities(ctx context.Context, username string) ([]string, error) {
	e, err := s.entry(ctx, username)
	if err != nil {
		return nil, err
	}
	u := entity.User{Roles: e.Roles, Permissions: e.Permissions}
	return u.Authorities(), nil
}

// UserPermissions returns the permission codes of the user, sorted.
func (s *Service) UserPermissions(ctx context.Context, username string) ([]string, error) {
	e, err := s.entry(ctx, username)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(e.Permissions)
	sort.Strings(out)
	return out, nil
}

func (s *Service) HasPermission(ctx context.Context, username, permission string) (bool, error) {
	e, err := s.entry(ctx, username)
	if err != nil {
		return false, err
	}
	return slices.Contains(e.Permissions, AdminAll) || slices.Contains(e.Permissions, permission), nil
}

func (s *Service) HasAnyPermission(ctx context.Context, username string, permissions ...string) (bool, error) {
	e, err := s.entry(ctx, username)
	if err != nil {
		return false, err
	}
	if slices.Contains(e.Permissions, AdminAll) {
		return true, nil
	}
	for _, p := range permissions {
		if slices.Contains(e.Permissions, p) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) HasAllPermissions(ctx context.Context, username string, permissions ...string) (bool, error) {
	e, err := s.entry(ctx, username)
	if err != nil {
		return false, err
	}
	if slices.Contains(e.Permissions, AdminAll) {
		return true, nil
	}
	for _, p := range permissions {
		if !slices.Contains(e.Permissions, p) {
			return false, nil
		}
	}
	return true, nil
}

// AssignRole grants roleCode to username and evicts the cached entry.
func (s *Service) AssignRole(ctx context.Context, username, roleCode string) error {
	u, err := s.user(ctx, username)
	if err != nil {
		return err
	}
	if err := s.store.AddRole(ctx, u.ID, roleCode); err != nil {
		if errors.Is(err, userrepo.ErrRoleNotFound) {
			return fmt.Errorf("%w: role %s", apperr.ErrNotFound, roleCode)
		}
		return err
	}
	s.logger.Infow("role assigned", "username", username, "role", roleCode)
	return s.EvictUser(ctx, username)
}

// RevokeRole removes roleCode from username. Revoking a role the user does not hold is NotFound.
func (s *Service) RevokeRole(ctx context.Context, username, roleCode string) error {
	u, err := s.user(ctx, username)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveRole(ctx, u.ID, roleCode)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: role %s not granted", apperr.ErrNotFound, roleCode)
	}
	s.logger.Infow("role revoked", "username", username, "role", roleCode)
	return s.EvictUser(ctx, username)
}

func (s *Service) EvictUser(ctx context.Context, username string) error {
	if err := s.cache.Evict(ctx, username); err != nil {
		return fmt.Errorf("evict permissions of %s: %w", username, err)
	}
	return nil
}

func (s *Service) EvictAll(ctx context.Context) error {
	if err := s.cache.EvictAll(ctx); err != nil {
		return fmt.Errorf("evict all permissions: %w", err)
	}
	s.logger.Infow("permission cache cleared")
	return nil
}

func (s *Service) user(ctx context.Context, username string) (*entity.User, error) {
	u, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, username)
		}
		return nil, err
	}
	return u, nil
}
