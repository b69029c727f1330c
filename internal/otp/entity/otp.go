package entity

import "time"

// OTP is the single live verification record of a login (email or phone).
type OTP struct {
	ID           string    `db:"id"`
	Login        string    `db:"login"`
	Code         string    `db:"otp_code"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiredAt    time.Time `db:"expired_at"`
	Verified     bool      `db:"verified"`
	Used         bool      `db:"used"`
	AttemptCount int       `db:"attempt_count"`
}

// Expired uses the same rule for both verify paths: now strictly after expired_at.
func (o *OTP) Expired(now time.Time) bool { return now.After(o.ExpiredAt) }
