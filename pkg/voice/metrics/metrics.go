// Package metrics exposes Prometheus metrics for voice sessions.
// All Record methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice client.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	ReconnectsTotal *prometheus.CounterVec
	TransportStates *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec
	AudioDropsTotal prometheus.Counter
	InboundEvents   *prometheus.CounterVec
	RouterFailures  *prometheus.CounterVec

	// Control channel metrics
	ControlSentTotal    *prometheus.CounterVec
	ControlDroppedTotal *prometheus.CounterVec
	ControlBuffered     prometheus.Gauge

	// Persistence metrics
	SavesTotal          *prometheus.CounterVec
	SaveDuration        prometheus.Histogram
	DuplicatesTotal     *prometheus.CounterVec
	ConversationResolve *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_voice"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions by final status",
		}, []string{"status"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome",
		}, []string{"outcome"}),
		TransportStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_state_transitions_total",
			Help:      "Transport state transitions by target state",
		}, []string{"state"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes by direction",
		}, []string{"direction"}),
		AudioDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Outbound audio frames dropped under backpressure",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound server events by category",
		}, []string{"category"}),
		RouterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_failures_total",
			Help:      "Inbound events whose handler failed",
		}, []string{"kind"}),
		ControlSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_sent_total",
			Help:      "Control messages sent by type",
		}, []string{"type"}),
		ControlDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_dropped_total",
			Help:      "Control messages dropped after retries by type",
		}, []string{"type"}),
		ControlBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_messages_buffered",
			Help:      "Control messages waiting for the channel to open",
		}),
		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_saves_total",
			Help:      "Message saves by role and outcome",
		}, []string{"role", "outcome"}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_save_duration_seconds",
			Help:      "Time from submit to durable save",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		DuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_duplicates_total",
			Help:      "Submitted turns suppressed as duplicates",
		}, []string{"role"}),
		ConversationResolve: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_resolutions_total",
			Help:      "Conversation id resolutions by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ReconnectsTotal,
		m.TransportStates,
		m.AudioBytesTotal,
		m.AudioDropsTotal,
		m.InboundEvents,
		m.RouterFailures,
		m.ControlSentTotal,
		m.ControlDroppedTotal,
		m.ControlBuffered,
		m.SavesTotal,
		m.SaveDuration,
		m.DuplicatesTotal,
		m.ConversationResolve,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordReconnect records a reconnect attempt; outcome is "scheduled" or "exhausted".
func (m *Metrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTransportState(state string) {
	if m == nil {
		return
	}
	m.TransportStates.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordAudioDrop() {
	if m == nil {
		return
	}
	m.AudioDropsTotal.Inc()
}

func (m *Metrics) RecordInboundEvent(category string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(category).Inc()
}

// RecordRouterFailure records a handler failure; kind is "error" or "panic".
func (m *Metrics) RecordRouterFailure(kind string) {
	if m == nil {
		return
	}
	m.RouterFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordControlSent(typ string) {
	if m == nil {
		return
	}
	m.ControlSentTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) RecordControlDropped(typ string) {
	if m == nil {
		return
	}
	m.ControlDroppedTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) SetControlBuffered(n int) {
	if m == nil {
		return
	}
	m.ControlBuffered.Set(float64(n))
}

// RecordSave records a save outcome: "saved", "failed" or "local".
func (m *Metrics) RecordSave(role, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(role, outcome).Inc()
	if outcome == "saved" {
		m.SaveDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordDuplicate(role string) {
	if m == nil {
		return
	}
	m.DuplicatesTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordConversationResolve(outcome string) {
	if m == nil {
		return
	}
	m.ConversationResolve.WithLabelValues(outcome).Inc()
}
