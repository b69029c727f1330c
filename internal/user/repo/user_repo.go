package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/database"
)

var (
	// ErrRoleNotFound is returned when a role code has no row in `roles`.
	ErrRoleNotFound = errors.New("role not found")
	// ErrDuplicate is returned when username, email or phone is already taken.
	ErrDuplicate = errors.New("duplicate user")
)

// UserRepo provides data access for users, their roles and permissions using sqlx.
// Schema lives in pkg/database/migrations.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// conn prefers a transaction bound to ctx by the caller.
func (r *UserRepo) conn(ctx context.Context) database.DBTX { return database.Conn(ctx, r.db) }

const userColumns = `id, username, email, phone_number, password_hash, status, user_type, created_at, updated_at`

// Create inserts the user and links it to roleCode in one transaction. Returns new ID.
func (r *UserRepo) Create(ctx context.Context, u *entity.User, roleCode string) (int64, error) {
	err := database.WithTx(ctx, r.db, database.ReadCommitted, func(ctx context.Context, tx database.DBTX) error {
		var roleID int64
		if err := tx.GetContext(ctx, &roleID, `SELECT id FROM roles WHERE code = $1`, roleCode); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRoleNotFound
			}
			return err
		}
		const q = `INSERT INTO users (username, email, phone_number, password_hash, status, user_type)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`
		row := tx.QueryRowxContext(ctx, q, u.Username, u.Email, u.PhoneNumber, u.PasswordHash, u.Status, u.UserType)
		if err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			if database.IsUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, u.ID, roleID)
		return err
	})
	if err != nil {
		return 0, err
	}
	u.Roles = []string{roleCode}
	return u.ID, nil
}

// GetByUsername returns the user or sql.ErrNoRows.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*entity.User, error) {
	var u entity.User
	if err := r.conn(ctx).GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE username = $1`, username); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByPhone returns the user or sql.ErrNoRows.
func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (*entity.User, error) {
	var u entity.User
	if err := r.conn(ctx).GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID returns the user or sql.ErrNoRows.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*entity.User, error) {
	var u entity.User
	if err := r.conn(ctx).GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var ok bool
	err := r.conn(ctx).GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username)
	return ok, err
}

func (r *UserRepo) ExistsByPhone(ctx context.Context, phone string) (bool, error) {
	var ok bool
	err := r.conn(ctx).GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM users WHERE phone_number = $1)`, phone)
	return ok, err
}

// RoleCodes lists the codes of roles granted to the user.
func (r *UserRepo) RoleCodes(ctx context.Context, userID int64) ([]string, error) {
	var codes []string
	const q = `SELECT r.code FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 ORDER BY r.code`
	if err := r.conn(ctx).SelectContext(ctx, &codes, q, userID); err != nil {
		return nil, err
	}
	return codes, nil
}

// PermissionCodes lists permissions granted through roles or directly.
func (r *UserRepo) PermissionCodes(ctx context.Context, userID int64) ([]string, error) {
	var codes []string
	const q = `SELECT p.code FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1
		UNION
		SELECT p.code FROM permissions p
		JOIN user_permissions up ON up.permission_id = p.id
		WHERE up.user_id = $1
		ORDER BY 1`
	if err := r.conn(ctx).SelectContext(ctx, &codes, q, userID); err != nil {
		return nil, err
	}
	return codes, nil
}

// AddRole grants roleCode to the user. Granting an existing role is a no-op.
func (r *UserRepo) AddRole(ctx context.Context, userID int64, roleCode string) error {
	const q = `INSERT INTO user_roles (user_id, role_id)
		SELECT $1, id FROM roles WHERE code = $2
		ON CONFLICT DO NOTHING`
	res, err := r.conn(ctx).ExecContext(ctx, q, userID, roleCode)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.conn(ctx).GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM roles WHERE code = $1)`, roleCode); err != nil {
			return err
		}
		if !exists {
			return ErrRoleNotFound
		}
	}
	return nil
}

// RemoveRole revokes roleCode from the user. Returns false if it was not granted.
func (r *UserRepo) RemoveRole(ctx context.Context, userID int64, roleCode string) (bool, error) {
	const q = `DELETE FROM user_roles WHERE user_id = $1
		AND role_id = (SELECT id FROM roles WHERE code = $2)`
	res, err := r.conn(ctx).ExecContext(ctx, q, userID, roleCode)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
