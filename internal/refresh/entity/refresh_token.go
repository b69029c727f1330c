package entity

import (
	"database/sql"
	"time"
)

// RefreshToken is one persisted refresh credential. Username is filled by
// lookups that join the owner.
type RefreshToken struct {
	ID         string       `db:"id"`
	Token      string       `db:"token"`
	UserID     int64        `db:"user_id"`
	Username   string       `db:"username"`
	ExpiryDate time.Time    `db:"expiry_date"`
	CreatedAt  time.Time    `db:"created_at"`
	RevokedAt  sql.NullTime `db:"revoked_at"`
	Revoked    bool         `db:"revoked"`
}

// Expired reports whether the token is past its expiry at now. The expiry
// instant itself is already expired.
func (t *RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiryDate) }
