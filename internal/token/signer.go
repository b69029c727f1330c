package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

const (
	DefaultAccessTTL  = 900_000 * time.Millisecond
	DefaultRefreshTTL = 604_800_000 * time.Millisecond

	minKeyBytes = 32
)

// ErrInvalidToken covers malformed tokens, bad signatures and failed claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Signer mints and validates HS256 access and refresh tokens with one static key.
type Signer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clockwork.Clock
}

type Option func(*Signer)

func WithClock(c clockwork.Clock) Option { return func(s *Signer) { s.clock = c } }

func WithAccessTTL(d time.Duration) Option { return func(s *Signer) { s.accessTTL = d } }

func WithRefreshTTL(d time.Duration) Option { return func(s *Signer) { s.refreshTTL = d } }

// NewSigner decodes a base64 HMAC secret. Keys shorter than 256 bits are rejected.
func NewSigner(base64Key string, opts ...Option) (*Signer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("signing key is %d bytes, need at least %d", len(key), minKeyBytes)
	}
	s := &Signer{
		key:        key,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Signer) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

type accessTokenClaims struct {
	Authorities string `json:"authorities"`
	jwt.RegisteredClaims
}

// AccessClaims is the decoded view of a valid access token.
type AccessClaims struct {
	Subject     string
	Authorities []string
	ExpiresAt   time.Time
}

// MintAccessToken signs sub, authorities (comma-joined), iat and exp.
func (s *Signer) MintAccessToken(subject string, authorities []string) (string, error) {
	now := s.clock.Now()
	claims := accessTokenClaims{
		Authorities: strings.Join(authorities, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        utilities.NewKSUID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// MintRefreshToken signs sub, iat and exp only. The jti keeps tokens minted
// within the same second distinct.
func (s *Signer) MintRefreshToken(subject string) (string, error) {
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		ID:        utilities.NewKSUID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Validate reports whether token has a good signature and now < exp.
// It never returns an error: any failure is false.
func (s *Signer) Validate(token string) bool {
	_, err := s.parse(token, &jwt.RegisteredClaims{}, true)
	return err == nil
}

// ParseAccessToken fully validates an access token and returns its claims.
func (s *Signer) ParseAccessToken(token string) (AccessClaims, error) {
	var claims accessTokenClaims
	if _, err := s.parse(token, &claims, true); err != nil {
		return AccessClaims{}, err
	}
	out := AccessClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.Authorities != "" {
		out.Authorities = strings.Split(claims.Authorities, ",")
	}
	return out, nil
}

// ExtractSubject decodes sub after checking the signature. Time claims are not enforced.
func (s *Signer) ExtractSubject(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := s.parse(token, &claims, false); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ExtractExpiry decodes exp after checking the signature.
func (s *Signer) ExtractExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, err := s.parse(token, &claims, false); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}

func (s *Signer) parse(token string, claims jwt.Claims, validateClaims bool) (*jwt.Token, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if validateClaims {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid {
		return nil, ErrInvalidToken
	}
	return t, nil
}
