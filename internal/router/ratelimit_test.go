package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func limitedHandler(l *IPLimiter) func(remote, xff string) *httptest.ResponseRecorder {
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	return func(remote, xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
}

func TestIPLimiterPerClient(t *testing.T) {
	hit := limitedHandler(NewIPLimiter(1, 2))

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:1234", "").Code)
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:5678", "").Code)
	rr := hit("10.0.0.1:9999", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2:1234", "").Code)
}

func TestIPLimiterIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	hit := limitedHandler(NewIPLimiter(1, 2))

	allowed := 0
	for i := 0; i < 50; i++ {
		if hit("198.51.100.7:4000", fmt.Sprintf("203.0.113.%d", i)).Code == http.StatusNoContent {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestIPLimiterTrustedProxy(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	hit := limitedHandler(NewIPLimiter(1, 1, proxies...))

	// two clients behind the same proxy get separate buckets
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.5:1000", "203.0.113.1").Code)
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.5:1000", "203.0.113.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.5:1000", "203.0.113.1").Code)

	// a client-supplied leading entry does not replace the hop the proxy appended
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.5:1000", "198.51.100.99, 203.0.113.1").Code)
	// chained trusted proxies are skipped
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.5:1000", "203.0.113.2, 10.1.1.1").Code)
}

func TestClientIP(t *testing.T) {
	l := NewIPLimiter(1, 1, netip.MustParsePrefix("10.0.0.0/8"))
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer", "198.51.100.7:4000", "203.0.113.1", "198.51.100.7"},
		{"trusted peer", "10.0.0.5:4000", "203.0.113.1", "203.0.113.1"},
		{"trusted peer without header", "10.0.0.5:4000", "", "10.0.0.5"},
		{"garbage hop stops the walk", "10.0.0.5:4000", "203.0.113.1, junk", "10.0.0.5"},
		{"ipv4 mapped peer", "[::ffff:10.0.0.5]:4000", "203.0.113.1", "203.0.113.1"},
		{"no port", "198.51.100.7", "", "198.51.100.7"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = c.remote
			if c.xff != "" {
				req.Header.Set("X-Forwarded-For", c.xff)
			}
			assert.Equal(t, c.want, l.clientIP(req))
		})
	}
}

func TestIPLimiterSweepsIdleBuckets(t *testing.T) {
	l := NewIPLimiter(1, 1)
	now := time.Now()
	ok, _ := l.allow("198.51.100.1", now)
	assert.True(t, ok)

	l.sweep(now.Add(limiterIdleTTL + time.Second))
	assert.Empty(t, l.buckets)
}
