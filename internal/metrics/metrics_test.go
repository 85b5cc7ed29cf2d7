package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("TICK")
		m.Stale()
		m.Transition("IDLE", "TRIGGERED")
		m.Decision("entry")
		m.ObserveSubmit("RISK_STOP", time.Second)
		m.SetHalted(true)
		m.SetOpenPositions(3)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.Event("TICK")
	m.Event("TICK")
	m.Event("VI_TRIGGER")
	m.Decision("weak_momentum")
	m.SetHalted(true)
	m.SetOpenPositions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("TICK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("VI_TRIGGER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("weak_momentum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmissionsHalted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenPositions))
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	h := m.Middleware(func(*http.Request) string { return "/route" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/route?x=1", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/route", "418")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vitrader_http_requests_total")
}
