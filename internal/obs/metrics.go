// Package obs exposes prometheus metrics for HTTP traffic and auth outcomes.
// A nil *Metrics is valid and records nothing.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	otpSent        *prometheus.CounterVec
	otpVerify      *prometheus.CounterVec
	login          *prometheus.CounterVec
	refresh        *prometheus.CounterVec
	cleanupDeleted *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		otpSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_sent_total",
			Help: "OTP send requests by result.",
		}, []string{"result"}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_verify_total",
			Help: "OTP verifications by path and result.",
		}, []string{"path", "result"}),
		login: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token exchanges by result.",
		}, []string{"result"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_cleanup_deleted_total",
			Help: "Rows purged by the cleanup jobs.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.otpSent, m.otpVerify, m.login, m.refresh, m.cleanupDeleted)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) OTPSent(result string) {
	if m != nil {
		m.otpSent.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) OTPVerified(path, result string) {
	if m != nil {
		m.otpVerify.WithLabelValues(path, result).Inc()
	}
}

func (m *Metrics) Login(result string) {
	if m != nil {
		m.login.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Refresh(result string) {
	if m != nil {
		m.refresh.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CleanupDeleted(job string, n int64) {
	if m != nil && n > 0 {
		m.cleanupDeleted.WithLabelValues(job).Add(float64(n))
	}
}

// Instrument records RPS, latency and in-flight requests. The path label is
// the matched route pattern so ids in URLs do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
