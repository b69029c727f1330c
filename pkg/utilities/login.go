package utilities

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\d{10,15}$`)
	otpPattern   = regexp.MustCompile(`^\d{6}$`)
)

// IsEmail reports whether s is shaped like an email address.
func IsEmail(s string) bool { return emailPattern.MatchString(s) }

// IsPhone reports whether s is a 10 to 15 digit phone number.
func IsPhone(s string) bool { return phonePattern.MatchString(s) }

// NormalizeLogin trims raw and lowercases it. ok is false when the trimmed
// value is neither an email nor a phone number.
func NormalizeLogin(raw string) (login string, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" || (!IsEmail(s) && !IsPhone(s)) {
		return "", false
	}
	return strings.ToLower(s), true
}

// NormalizeOTP trims raw and checks it is exactly six digits.
func NormalizeOTP(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if !otpPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// MaskLogin hides most of an email or phone for log output.
//
//	john.doe@example.com -> jo***@example.com
//	ab@example.com       -> **@example.com
//	0912345678           -> 091****78
func MaskLogin(login string) string {
	if len(login) < 4 {
		return "***"
	}
	if IsEmail(login) {
		at := strings.IndexByte(login, '@')
		local, domain := login[:at], login[at:]
		if len(local) <= 2 {
			return "**" + domain
		}
		return local[:2] + "***" + domain
	}
	return login[:3] + "****" + login[len(login)-2:]
}
