package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/token"
)

// TokenParser validates an access token and returns its claims.
type TokenParser interface {
	ParseAccessToken(tok string) (token.AccessClaims, error)
}

// PermissionChecker answers permission questions with current grants.
type PermissionChecker interface {
	HasPermission(ctx context.Context, username, permission string) (bool, error)
}

// Bearer rejects requests without a valid "Authorization: Bearer" access
// token and attaches the Principal to the request context otherwise.
func Bearer(parser TokenParser, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				apperr.Write(w, fmt.Errorf("%w: missing bearer token", apperr.ErrAuthenticationFailed))
				return
			}
			claims, err := parser.ParseAccessToken(raw)
			if err != nil {
				logger.Debugw("access token rejected", "path", r.URL.Path, "err", err)
				apperr.Write(w, apperr.ErrAuthenticationFailed)
				return
			}
			p := &Principal{Username: claims.Subject, Authorities: claims.Authorities}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequirePermission must run after Bearer. Grants are read through the
// checker, so a revoked role takes effect before the token expires.
func RequirePermission(checker PermissionChecker, permission string, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				apperr.Write(w, apperr.ErrAuthenticationFailed)
				return
			}
			allowed, err := checker.HasPermission(r.Context(), p.Username, permission)
			if errors.Is(err, apperr.ErrNotFound) {
				apperr.Write(w, apperr.ErrAuthenticationFailed)
				return
			}
			if err != nil {
				logger.Errorw("permission check failed", "username", p.Username, "permission", permission, "err", err)
				apperr.Write(w, err)
				return
			}
			if !allowed {
				logger.Infow("permission denied", "username", p.Username, "permission", permission)
				apperr.Write(w, fmt.Errorf("%w: requires %s", apperr.ErrForbidden, permission))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
