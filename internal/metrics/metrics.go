// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction and drop-reason label values.
const (
	DirToServer = "to_server"
	DirToClient = "to_client"

	DropUnknownSession = "unknown_session"
	DropHook           = "hook"
	DropSendError      = "send_error"
)

// Metrics holds all collectors of one bridge process.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsDestroyed  prometheus.Counter
	SessionsRefused    prometheus.Counter
	SessionDuration    prometheus.Histogram
	ChunksForwarded    *prometheus.CounterVec
	ChunksDropped      *prometheus.CounterVec
	ChatMessages       *prometheus.CounterVec
	BackendTransitions *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry together with the
// Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "teebridge"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live bridge sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Sessions destroyed",
		}),
		SessionsRefused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_refused_total",
			Help:      "Connecting clients refused because no session could be created",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		ChunksForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_forwarded_total",
			Help:      "Chunks forwarded by direction",
		}, []string{"direction"}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped by reason",
		}, []string{"reason"}),
		ChatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages observed by kind",
		}, []string{"kind"}),
		BackendTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_transitions_total",
			Help:      "Backend connection state transitions by new state",
		}, []string{"state"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
