package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.LoginAttempt(OutcomeOK)
	m.RefreshAttempt(OutcomeRejected)
	m.SessionValidated("ok")
	m.ConnectionOpened()
	m.ConnectionClosed()
}

func TestMetrics_CountsOutcomes(t *testing.T) {
	m := New()
	m.RefreshAttempt(OutcomeOK)
	m.RefreshAttempt(OutcomeRejected)
	m.RefreshAttempt(OutcomeRejected)
	m.SessionValidated("superseded")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	require.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues(OutcomeOK)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.refreshes.WithLabelValues(OutcomeRejected)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.validations.WithLabelValues("superseded")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}

func TestMetrics_HandlerExposesHTTPMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.True(t, strings.Contains(body, `rentcar_http_requests_total{method="GET",path="/ping",status="200"} 1`), body)
}
