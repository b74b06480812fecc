package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "voicebridge"

// Metrics instruments the bridge. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesDelivered prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	Bindings        prometheus.Gauge
	Degradations    prometheus.Counter
	Transitions     *prometheus.CounterVec
	Signals         *prometheus.CounterVec
}

// NewMetrics registers collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audio",
			Name:      "frames_delivered_total",
			Help:      "Audio frames handed to the host.",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audio",
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped before reaching the host.",
		}, []string{"reason"}),
		Bindings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "audio",
			Name:      "sink_bindings",
			Help:      "Active audio sink bindings.",
		}),
		Degradations: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audio",
			Name:      "spatial_degradations_total",
			Help:      "Times spatial audio was disabled after a sink attach failure.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions.",
		}, []string{"from", "to"}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "signals_total",
			Help:      "Signals emitted to the host by name.",
		}, []string{"name"}),
	}
}

func (m *Metrics) frameDelivered() {
	if m != nil {
		m.FramesDelivered.Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) bindings(n int) {
	if m != nil {
		m.Bindings.Set(float64(n))
	}
}

func (m *Metrics) degraded() {
	if m != nil {
		m.Degradations.Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) Signal(name string) {
	if m != nil {
		m.Signals.WithLabelValues(name).Inc()
	}
}
