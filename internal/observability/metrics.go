package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	FramesForwarded     *prometheus.CounterVec
	ProviderCalls       *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	StructuredFallbacks *prometheus.CounterVec
	CreditDecisions     *prometheus.CounterVec
	FinalizeLatency     prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open dictation websocket connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Live session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped before reaching a transcription channel.",
		}, []string{"reason"}),
		FramesForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_forwarded_total",
			Help:      "Audio frames accepted by a live transcription channel.",
		}, []string{"backend"}),
		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by task, backend and outcome.",
		}, []string{"task", "backend", "outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		StructuredFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "structured_fallbacks_total",
			Help:      "Structured-output requests retried as plain text.",
		}, []string{"backend"}),
		CreditDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_decisions_total",
			Help:      "Credit gate outcomes.",
		}, []string{"outcome"}),
		FinalizeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_latency_ms",
			Help:      "End-to-end finalization latency in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 3000, 5000, 8000, 12000, 20000},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) IncFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncFrameForwarded(backend string) {
	if m == nil {
		return
	}
	m.FramesForwarded.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveProviderCall(task, backend string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(task, backend, outcome).Inc()
}

func (m *Metrics) IncProviderError(provider, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) IncStructuredFallback(backend string) {
	if m == nil {
		return
	}
	m.StructuredFallbacks.WithLabelValues(backend).Inc()
	m.latency.addFallback(backend)
}

func (m *Metrics) IncCreditDecision(outcome string) {
	if m == nil {
		return
	}
	m.CreditDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddActiveConnections(delta float64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(delta)
}

func (m *Metrics) ObserveFinalizeLatency(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.FinalizeLatency.Observe(float64(d.Milliseconds()))
	m.latency.add(StageFinalizeTotal, backend, float64(d.Milliseconds()))
}

// ObserveStage records a latency sample for stage on backend.
func (m *Metrics) ObserveStage(stage, backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.add(stage, backend, float64(d.Microseconds())/1000)
}

// LatencyReport summarizes the recent stage samples served at /v1/perf/latency.
func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []LatencyStats{}}
	}
	return m.latency.report()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.reset()
}
