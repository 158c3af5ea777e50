package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the isolate and dev host.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Bridge metrics
	CommandsSent     *prometheus.CounterVec
	PendingCommands  prometheus.Gauge
	HostErrors       *prometheus.CounterVec
	OrphanedReplies  prometheus.Counter
	EventsDispatched *prometheus.CounterVec
	HandlerFailures  *prometheus.CounterVec
	StreamChunks     *prometheus.CounterVec

	// Module metrics
	ModulesCompiled prometheus.Counter
	CompileErrors   prometheus.Counter
	CompileDuration prometheus.Histogram
	ModulesRun      prometheus.Counter

	// Dev host metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	HostCommands    *prometheus.CounterVec
	IsolatesActive  prometheus.Gauge
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_bridge_commands_sent_total",
				Help: "Commands sent to the host",
			},
			[]string{"kind", "mode"},
		),
		PendingCommands: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fly_bridge_pending_commands",
				Help: "Asynchronous commands awaiting a reply",
			},
		),
		HostErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_bridge_host_errors_total",
				Help: "Replies carrying a host error",
			},
			[]string{"error_kind"},
		),
		OrphanedReplies: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fly_bridge_orphaned_replies_total",
				Help: "Replies whose command was no longer pending",
			},
		),
		EventsDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_bridge_events_total",
				Help: "Host events dispatched to listeners",
			},
			[]string{"kind"},
		),
		HandlerFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_bridge_handler_failures_total",
				Help: "Event handlers that failed or rejected",
			},
			[]string{"event"},
		),
		StreamChunks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_stream_chunks_total",
				Help: "Body chunks moved over the bridge",
			},
			[]string{"direction"},
		),
		ModulesCompiled: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fly_modules_compiled_total",
				Help: "Module compilations",
			},
		),
		CompileErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fly_module_compile_errors_total",
				Help: "Module compilations that produced diagnostics",
			},
		),
		CompileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fly_module_compile_duration_seconds",
				Help:    "Module compile duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ModulesRun: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fly_modules_run_total",
				Help: "Module factories executed",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_dev_http_requests_total",
				Help: "HTTP requests served by the dev host",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fly_dev_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),
		HostCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fly_dev_host_commands_total",
				Help: "Isolate commands handled by the dev host",
			},
			[]string{"kind", "result"},
		),
		IsolatesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fly_dev_isolates_active",
				Help: "Isolates connected to the dev host",
			},
		),
	}
}

// RecordCommand records a command sent with mode async, sync or post
func (m *Metrics) RecordCommand(kind, mode string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(kind, mode).Inc()
}

// SetPending sets the pending command gauge
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingCommands.Set(float64(n))
}

// RecordHostError records a reply carrying a host error
func (m *Metrics) RecordHostError(errorKind string) {
	if m == nil {
		return
	}
	m.HostErrors.WithLabelValues(errorKind).Inc()
}

// IncOrphaned records a reply for an unknown command
func (m *Metrics) IncOrphaned() {
	if m == nil {
		return
	}
	m.OrphanedReplies.Inc()
}

// RecordEvent records a dispatched host event
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(kind).Inc()
}

// RecordHandlerFailure records a failed event handler
func (m *Metrics) RecordHandlerFailure(event string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(event).Inc()
}

// RecordChunk records a body chunk in direction "in" or "out"
func (m *Metrics) RecordChunk(direction string) {
	if m == nil {
		return
	}
	m.StreamChunks.WithLabelValues(direction).Inc()
}

// RecordCompile records one compilation
func (m *Metrics) RecordCompile(duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.ModulesCompiled.Inc()
	m.CompileDuration.Observe(duration.Seconds())
	if failed {
		m.CompileErrors.Inc()
	}
}

// IncModulesRun records an executed module factory
func (m *Metrics) IncModulesRun() {
	if m == nil {
		return
	}
	m.ModulesRun.Inc()
}

// RecordHTTPRequest records a request served by the dev host. route is a
// reserved path or RouteProxy for traffic forwarded to an isolate.
func (m *Metrics) RecordHTTPRequest(route, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordHostCommand records a command handled by the dev host
func (m *Metrics) RecordHostCommand(kind, result string) {
	if m == nil {
		return
	}
	m.HostCommands.WithLabelValues(kind, result).Inc()
}

// IncIsolates increments connected isolates
func (m *Metrics) IncIsolates() {
	if m == nil {
		return
	}
	m.IsolatesActive.Inc()
}

// DecIsolates decrements connected isolates
func (m *Metrics) DecIsolates() {
	if m == nil {
		return
	}
	m.IsolatesActive.Dec()
}
