package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so several servers can run in one process (tests do).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	sessionsCreated  *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	readErrors       prometheus.Counter
	decodeErrors     prometheus.Counter
	rateLimitedWaits prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offmsg",
			Name:      "active_sessions",
			Help:      "Number of connected sessions",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offmsg",
			Name:      "sessions_created_total",
			Help:      "Sessions opened, by transport",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offmsg",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by transport",
		}, []string{"transport"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offmsg",
			Name:      "requests_total",
			Help:      "Requests handled, by command and response status",
		}, []string{"command", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offmsg",
			Name:      "request_duration_seconds",
			Help:      "Time spent dispatching a request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offmsg",
			Name:      "read_errors_total",
			Help:      "Connection read failures that ended a session",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offmsg",
			Name:      "decode_errors_total",
			Help:      "Frames that could not be decoded",
		}),
		rateLimitedWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offmsg",
			Name:      "rate_limited_requests_total",
			Help:      "Requests delayed by the per-session rate limiter",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsClosed,
		m.requests,
		m.requestDuration,
		m.readErrors,
		m.decodeErrors,
		m.rateLimitedWaits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionClosed(transport string) {
	m.sessionsClosed.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordRequest(command string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(command, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordReadError() {
	m.readErrors.Inc()
}

func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Inc()
}

func (m *Metrics) RecordRateLimited() {
	m.rateLimitedWaits.Inc()
}
