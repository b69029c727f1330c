package entity

import (
	"sort"
	"time"
)

// User is an account row in the `users` table plus its resolved role and
// permission codes.
type User struct {
	ID           int64     `db:"id"`
	Username     string    `db:"username"`
	Email        *string   `db:"email"`
	PhoneNumber  *string   `db:"phone_number"`
	PasswordHash string    `db:"password_hash"`
	Status       string    `db:"status"` // active / disabled
	UserType     string    `db:"user_type"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`

	Roles       []string `db:"-"`
	Permissions []string `db:"-"`
}

const StatusActive = "active"

// Authorities is the sorted union of role and permission codes carried in access tokens.
func (u *User) Authorities() []string {
	seen := make(map[string]struct{}, len(u.Roles)+len(u.Permissions))
	out := make([]string, 0, len(u.Roles)+len(u.Permissions))
	for _, list := range [][]string{u.Roles, u.Permissions} {
		for _, a := range list {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Profile is the public view of a user returned by the auth endpoints.
type Profile struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Email       *string  `json:"email"`
	PhoneNumber *string  `json:"phone_number"`
	Status      string   `json:"status"`
	Type        string   `json:"type"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (u *User) Profile() *Profile {
	roles, perms := u.Roles, u.Permissions
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return &Profile{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		PhoneNumber: u.PhoneNumber,
		Status:      u.Status,
		Type:        u.UserType,
		Roles:       roles,
		Permissions: perms,
	}
}
