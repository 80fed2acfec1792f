package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
//
// Helper methods are nil-safe so components can run without instrumentation in tests.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	Turns               *prometheus.CounterVec
	TurnStageLatency    *prometheus.HistogramVec
	UpstreamRequests    *prometheus.CounterVec
	UpstreamLatency     *prometheus.HistogramVec
	SegmenterPending    prometheus.Gauge
	SegmenterEvents     *prometheus.CounterVec
	SentencesDispatched *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active bridge sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversational turns by outcome.",
		}, []string{"outcome"}),
		TurnStageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Latency of each turn stage in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"stage"}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream API calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Upstream API call latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600, 3200, 6400},
		}, []string{"provider", "operation"}),
		SegmenterPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segmenter_pending",
			Help:      "Segmentation requests waiting for a worker response.",
		}),
		SegmenterEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segmenter_events_total",
			Help:      "Segmentation worker events by type.",
		}, []string{"event"}),
		SentencesDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_dispatched_total",
			Help:      "Sentences sent to the avatar by outcome.",
		}, []string{"outcome"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.latency.countOutcome(outcome)
}

// ObserveStage records one turn stage both in Prometheus and in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.latency.add(stage, ms)
}

func (m *Metrics) ObserveUpstream(provider, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.UpstreamRequests.WithLabelValues(provider, operation, outcome).Inc()
	m.UpstreamLatency.WithLabelValues(provider, operation).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SegmenterEvent(event string) {
	if m == nil {
		return
	}
	m.SegmenterEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetSegmenterPending(n int) {
	if m == nil {
		return
	}
	m.SegmenterPending.Set(float64(n))
}

func (m *Metrics) ObserveSentence(outcome string) {
	if m == nil {
		return
	}
	m.SentencesDispatched.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) SnapshotTurnStages() LatencySnapshot {
	if m == nil {
		return newLatencyWindow(1).snapshot()
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
