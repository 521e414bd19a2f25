package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	LiveConnections prometheus.Gauge
	StreamEvents    *prometheus.CounterVec
	Envelopes       *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	ReconnectDelay  prometheus.Histogram
	TaskEvents      *prometheus.CounterVec
	PersistErrors   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec

	latency *latencyWindow
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		LiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of open push connections.",
		}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Push connection lifecycle events by kind.",
		}, []string{"event"}),
		Envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Inbound push envelopes by channel and type.",
		}, []string{"channel", "type"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Push frames dropped because they were not valid envelopes.",
		}, []string{"channel"}),
		ReconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_ms",
			Help:      "Back-off wait before a reconnection attempt in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 10000},
		}),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task store events by type.",
		}, []string{"event"}),
		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Snapshot persistence failures by operation.",
		}, []string{"op"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Request layer failures by operation.",
		}, []string{"op"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.LiveConnections.Set(float64(n))
}

func (m *Metrics) ObserveStreamEvent(event string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveEnvelope(channel, msgType string) {
	if m == nil {
		return
	}
	m.Envelopes.WithLabelValues(channel, msgType).Inc()
}

func (m *Metrics) ObserveDecodeError(channel string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveReconnectDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectDelay.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePersistError(op string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveRequestError(op string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(op).Inc()
}

// ObserveStage records a stream latency sample for the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil || m.latency == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer, used when metrics live on a
// non-default registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
