// Package metrics holds the Prometheus collectors of the daemon. Every
// method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convsync"

// Metrics is the set of collectors registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	sessions        prometheus.Gauge
	inbound         *prometheus.CounterVec
	outbound        *prometheus.CounterVec
	droppedFrames   prometheus.Counter
	errors          *prometheus.CounterVec
	persistFailures prometheus.Counter
	retryQueue      prometheus.Gauge
	activeCalls     prometheus.Gauge
	logEntries      *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Live sessions.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_events_total",
			Help: "Inbound events by name.",
		}, []string{"event"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_frames_total",
			Help: "Frames pushed to sessions by event name.",
		}, []string{"event"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_frames_total",
			Help: "Frames not queued because the session buffer was full or closed.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Core errors by code.",
		}, []string{"code"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_failures_total",
			Help: "Failed durable writes, including retries.",
		}),
		retryQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "persist_retry_queue",
			Help: "Durable writes waiting for a retry.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_calls",
			Help: "Calls not yet in a terminal state.",
		}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "log_entries_total",
			Help: "Number of log entries by level.",
		}, []string{"level"}),
	}
	reg.MustRegister(
		m.sessions, m.inbound, m.outbound, m.droppedFrames, m.errors,
		m.persistFailures, m.retryQueue, m.activeCalls, m.logEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) Inbound(event string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(event).Inc()
}

// Outbound counts n frames of event pushed to sessions.
func (m *Metrics) Outbound(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outbound.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) DroppedFrame() {
	if m == nil {
		return
	}
	m.droppedFrames.Inc()
}

func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) SetRetryQueue(n int) {
	if m == nil {
		return
	}
	m.retryQueue.Set(float64(n))
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

// LogEntry counts a log entry written at level.
func (m *Metrics) LogEntry(level string) {
	if m == nil {
		return
	}
	m.logEntries.WithLabelValues(level).Inc()
}
