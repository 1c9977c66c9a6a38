package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Proxy channel metrics
	Invocations      *prometheus.CounterVec
	InvokeDuration   *prometheus.HistogramVec
	PendingCalls     prometheus.Gauge
	Handshakes       *prometheus.CounterVec
	TransferredBytes *prometheus.CounterVec

	// Session metrics
	TokenRefreshes *prometheus.CounterVec
	AuthRedirects  prometheus.Counter

	// Sandbox metrics
	SandboxRuns     *prometheus.CounterVec
	SandboxDuration prometheus.Histogram
	SandboxActive   prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON health endpoint
type Snapshot struct {
	TotalInvocations int64 `json:"total_invocations"`
	TotalTimeouts    int64 `json:"total_timeouts"`
	PendingCalls     int64 `json:"pending_calls"`
	SandboxRuns      int64 `json:"sandbox_runs"`
	Connections      int64 `json:"connections"`
}

// NewMetrics creates a metrics collector registered on reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_invocations_total",
				Help: "Total number of proxy channel invocations by outcome",
			},
			[]string{"command", "outcome"},
		),
		InvokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostproxy_invoke_duration_seconds",
				Help:    "Time from send to terminal reply",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),
		PendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostproxy_pending_calls",
				Help: "Number of invocations awaiting a reply",
			},
		),
		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_handshakes_total",
				Help: "Total number of channel handshakes by result",
			},
			[]string{"result"},
		),
		TransferredBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_transferred_bytes_total",
				Help: "Bytes moved as transferred payloads",
			},
			[]string{"direction"},
		),

		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_token_refreshes_total",
				Help: "Total number of auth token refreshes by result",
			},
			[]string{"result"},
		),
		AuthRedirects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostproxy_auth_redirects_total",
				Help: "Total number of authentication redirects initiated",
			},
		),

		SandboxRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_sandbox_runs_total",
				Help: "Total number of sandbox runs by outcome",
			},
			[]string{"outcome"},
		),
		SandboxDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hostproxy_sandbox_duration_seconds",
				Help:    "Sandbox run duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		SandboxActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostproxy_sandbox_active",
				Help: "Number of sandbox executors currently running",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostproxy_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostproxy_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "command"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostproxy_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordInvocation records a terminal invocation outcome
// ("success", "error", "timeout", "closed").
func (m *Metrics) RecordInvocation(command, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(command, outcome).Inc()
	m.InvokeDuration.WithLabelValues(command).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalInvocations++
	if outcome == "timeout" {
		m.snapshot.TotalTimeouts++
	}
	m.mu.Unlock()
}

// AddPendingCalls adjusts the number of registered pending calls.
func (m *Metrics) AddPendingCalls(delta int) {
	if m == nil {
		return
	}
	m.PendingCalls.Add(float64(delta))
	m.mu.Lock()
	m.snapshot.PendingCalls += int64(delta)
	m.mu.Unlock()
}

// RecordHandshake records a handshake result ("ready", "timeout", "rejected").
func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// RecordTransfer records transferred payload bytes ("sent", "received").
func (m *Metrics) RecordTransfer(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransferredBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordTokenRefresh records an auth token refresh ("ok", "error").
func (m *Metrics) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// IncAuthRedirects counts an initiated authentication redirect.
func (m *Metrics) IncAuthRedirects() {
	if m == nil {
		return
	}
	m.AuthRedirects.Inc()
}

// SandboxStarted marks a sandbox run as active.
func (m *Metrics) SandboxStarted() {
	if m == nil {
		return
	}
	m.SandboxActive.Inc()
}

// SandboxFinished records a finished sandbox run ("success", "error").
func (m *Metrics) SandboxFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SandboxActive.Dec()
	m.SandboxRuns.WithLabelValues(outcome).Inc()
	m.SandboxDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.SandboxRuns++
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, command string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, command).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.Connections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.Connections--
	m.mu.Unlock()
}

// Snapshot returns current values for the JSON health endpoint.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UptimeDuration returns time since the collector was created.
func (m *Metrics) UptimeDuration() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}
