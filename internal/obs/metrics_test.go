package obs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /admin/users/{username}/roles/{role}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := m.Instrument(mux)

	for _, u := range []string{"alice", "bob"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/admin/users/"+u+"/roles/ROLE_ADMIN", nil))
		require.Equal(t, http.StatusNoContent, rr.Code)
	}

	got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("DELETE", "DELETE /admin/users/{username}/roles/{role}", "204"))
	assert.Equal(t, 2.0, got)
}

func TestAuthCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Login("success")
	m.Login("failed")
	m.Login("failed")
	m.CleanupDeleted("otp", 0)
	m.CleanupDeleted("refresh_tokens", 12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.login.WithLabelValues("failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.cleanupDeleted.WithLabelValues("refresh_tokens")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	assert.True(t, strings.Contains(string(body), `auth_login_total{result="failed"} 2`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Login("success")
	m.OTPSent("sent")
	m.OTPVerified("register", "ok")
	m.Refresh("rotated")
	m.CleanupDeleted("otp", 3)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rr := httptest.NewRecorder()
	m.Instrument(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
