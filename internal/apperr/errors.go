// Package apperr holds the error kinds shared by the auth core and their
// HTTP rendering. Services wrap a kind with detail:
//
//	return fmt.Errorf("%w: password must be at least 6 characters", apperr.ErrInvalidInput)
package apperr

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrTooManyAttempts      = errors.New("too many attempts")
	ErrAlreadyUsed          = errors.New("already used")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotFound             = errors.New("not found")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrForbidden            = errors.New("forbidden")
)

// ErrMismatch is an InvalidInput for a password confirmation that differs.
var ErrMismatch = fmt.Errorf("%w: password confirmation does not match", ErrInvalidInput)

// CooldownError is returned while an OTP resend cooldown is active.
type CooldownError struct {
	Remaining time.Duration
}

// Seconds is the wait rounded up to whole seconds, never below one.
func (e *CooldownError) Seconds() int64 {
	s := int64(math.Ceil(e.Remaining.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting a new code", e.Seconds())
}

func (e *CooldownError) Is(target error) bool { return target == ErrRateLimited }

// Status maps an error to its HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrAlreadyUsed):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message is the client-facing text for err. Authentication failures stay
// generic and unclassified errors never leak their detail.
func Message(err error) string {
	switch Status(err) {
	case http.StatusUnauthorized:
		return "invalid credentials"
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusTooManyRequests:
		var cd *CooldownError
		if errors.As(err, &cd) {
			return cd.Error()
		}
		if errors.Is(err, ErrTooManyAttempts) {
			return "too many failed attempts, request a new code"
		}
		return "too many requests, slow down"
	case http.StatusBadGateway:
		return "could not deliver verification code, try again later"
	default:
		return err.Error()
	}
}

// RetryAfter returns the Retry-After header value for cooldown errors.
func RetryAfter(err error) (string, bool) {
	var cd *CooldownError
	if !errors.As(err, &cd) {
		return "", false
	}
	return strconv.FormatInt(cd.Seconds(), 10), true
}
