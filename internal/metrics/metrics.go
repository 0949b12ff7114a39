// Package metrics exposes the Prometheus collectors of the API process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the auth counters.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec

	logins      *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	validations *prometheus.CounterVec
	connections prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rentcar_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rentcar_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rentcar_auth_login_total",
			Help: "Login and registration attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rentcar_auth_refresh_total",
			Help: "Refresh token redemptions by outcome.",
		}, []string{"outcome"}),
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rentcar_session_validate_total",
			Help: "Access token validations against the session registry by outcome.",
		}, []string{"outcome"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rentcar_realtime_connections",
			Help: "Open realtime connections.",
		}),
	}
}

// Registry returns the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefreshAttempt(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// SessionValidated satisfies auth.ValidationObserver.
func (m *Metrics) SessionValidated(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Middleware records request rate, errors and duration per route pattern.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(path, c.Request.Method, status).Inc()
	}
}
