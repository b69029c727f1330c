package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/obs"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/otp"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/permission"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

const (
	APIPrefix       = "/api/v1"
	RequestIDHeader = "X-Request-ID"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware keeps a caller supplied X-Request-ID or assigns a new uuid.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// LoggingMiddleware logs every request at debug level, server errors at error level.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("http request",
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. Auth responses
// carry credentials, so they are never cached.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Cache-Control", "no-store")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
			}
			// HSTS only over TLS
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Pinger reports storage health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the handlers and collaborators RegisterRoutes mounts.
type Deps struct {
	OTP         *otp.Handler
	Auth        *auth.Handler
	Admin       *permission.Handler
	Tokens      auth.TokenParser
	Permissions auth.PermissionChecker
	Metrics     *obs.Metrics
	// Limiter throttles the unauthenticated credential endpoints. Nil disables it.
	Limiter *IPLimiter
	DB      Pinger
}

// RegisterRoutes mounts every endpoint on an http.ServeMux and wraps it with
// request id, logging, metrics and security headers, outermost first.
func RegisterRoutes(logger *zap.SugaredLogger, d Deps) http.Handler {
	mux := http.NewServeMux()
	p := func(pattern string) string {
		method, path, _ := strings.Cut(pattern, " ")
		return method + " " + APIPrefix + path
	}
	limit := func(h http.HandlerFunc) http.Handler {
		if d.Limiter == nil {
			return h
		}
		return d.Limiter.Middleware(h)
	}
	bearer := auth.Bearer(d.Tokens, logger)
	admin := func(h http.HandlerFunc) http.Handler {
		return bearer(auth.RequirePermission(d.Permissions, permission.AdminAll, logger)(h))
	}

	mux.HandleFunc(p("GET /health"), func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.DB.PingContext(ctx); err != nil {
				logger.Warnw("health check: database unreachable", "err", err)
				utilities.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		utilities.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle(p("GET /metrics"), d.Metrics.Handler())

	mux.Handle(p("POST /auth/otp/send"), limit(d.OTP.Send))
	mux.HandleFunc(p("POST /auth/otp/verify"), d.OTP.Verify)
	mux.HandleFunc(p("POST /auth/register"), d.Auth.Register)
	mux.Handle(p("POST /auth/login"), limit(d.Auth.Login))
	mux.Handle(p("POST /auth/refresh"), limit(d.Auth.Refresh))
	mux.Handle(p("POST /auth/logout"), bearer(http.HandlerFunc(d.Auth.Logout)))
	mux.Handle(p("GET /auth/me"), bearer(http.HandlerFunc(d.Auth.Me)))

	mux.Handle(p("POST /admin/users/{username}/roles"), admin(d.Admin.AssignRole))
	mux.Handle(p("DELETE /admin/users/{username}/roles/{role}"), admin(d.Admin.RevokeRole))
	mux.Handle(p("POST /admin/permissions/cache/evict"), admin(d.Admin.EvictCache))

	// Instrument reads r.Pattern after the mux ran, so nothing between it
	// and the mux may replace the request.
	var h http.Handler = mux
	h = SecurityHeadersMiddleware()(h)
	h = d.Metrics.Instrument(h)
	h = LoggingMiddleware(logger)(h)
	h = RequestIDMiddleware()(h)
	return h
}
