// Package metrics provides Prometheus instrumentation for the trading core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal         *prometheus.CounterVec
	StaleEventsTotal    prometheus.Counter
	MalformedTotal      prometheus.Counter
	TransitionsTotal    *prometheus.CounterVec
	DecisionsTotal      *prometheus.CounterVec
	IntentsTotal        *prometheus.CounterVec
	OrdersTotal         *prometheus.CounterVec
	SubmitRetries       prometheus.Counter
	RiskRejections      *prometheus.CounterVec
	InconsistentFills   prometheus.Counter
	NotificationsDrop   prometheus.Counter
	SubmitLatency       *prometheus.HistogramVec
	OpenPositions       prometheus.Gauge
	SubmissionsHalted   prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_events_total",
			Help: "Normalized market events by type",
		}, []string{"type"}),

		StaleEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vitrader_stale_events_total",
			Help: "Events dropped as stale or duplicate",
		}),

		MalformedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vitrader_malformed_events_total",
			Help: "Raw events rejected by the normalizer",
		}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_vi_transitions_total",
			Help: "VI lifecycle transitions",
		}, []string{"from", "to"}),

		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_decisions_total",
			Help: "Strategy decisions by verdict",
		}, []string{"verdict"}),

		IntentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_intents_total",
			Help: "Order intents produced by reason",
		}, []string{"reason"}),

		OrdersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_orders_total",
			Help: "Orders reaching a final status",
		}, []string{"status"}),

		SubmitRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "vitrader_submit_retries_total",
			Help: "Gateway submission retries",
		}),

		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_risk_rejections_total",
			Help: "Intents rejected by a risk rule",
		}, []string{"rule"}),

		InconsistentFills: f.NewCounter(prometheus.CounterOpts{
			Name: "vitrader_inconsistent_fills_total",
			Help: "Fills that could not be reconciled",
		}),

		NotificationsDrop: f.NewCounter(prometheus.CounterOpts{
			Name: "vitrader_notifications_dropped_total",
			Help: "Notifications dropped on a full queue",
		}),

		SubmitLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vitrader_submit_latency_seconds",
			Help:    "Order submission latency including retries",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"reason"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitrader_open_positions",
			Help: "Symbols holding or reserving a position",
		}),

		SubmissionsHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitrader_submissions_halted",
			Help: "1 while new submissions are halted",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitrader_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vitrader_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "path"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Event(eventType string) {
	if m != nil {
		m.EventsTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Stale() {
	if m != nil {
		m.StaleEventsTotal.Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedTotal.Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.TransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) Decision(verdict string) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) Intent(reason string) {
	if m != nil {
		m.IntentsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) OrderFinal(status string) {
	if m != nil {
		m.OrdersTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.SubmitRetries.Inc()
	}
}

func (m *Metrics) RiskRejected(rule string) {
	if m != nil {
		m.RiskRejections.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) InconsistentFill() {
	if m != nil {
		m.InconsistentFills.Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.NotificationsDrop.Inc()
	}
}

func (m *Metrics) ObserveSubmit(reason string, d time.Duration) {
	if m != nil {
		m.SubmitLatency.WithLabelValues(reason).Observe(d.Seconds())
	}
}

func (m *Metrics) SetOpenPositions(n int) {
	if m != nil {
		m.OpenPositions.Set(float64(n))
	}
}

func (m *Metrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.SubmissionsHalted.Set(1)
	} else {
		m.SubmissionsHalted.Set(0)
	}
}

// Middleware returns an HTTP middleware that records request metrics.
// pattern maps a request to its route pattern to keep label cardinality
// bounded; nil uses the raw path.
func (m *Metrics) Middleware(pattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if pattern != nil {
				if p := pattern(r); p != "" {
					path = p
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
