package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ListenerMetrics tracks outbox processing passes.
type ListenerMetrics struct {
	passes     *prometheus.CounterVec
	failures   *prometheus.CounterVec
	events     *prometheus.CounterVec
	effects    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reconnects *prometheus.CounterVec
}

func NewListenerMetrics(reg prometheus.Registerer) *ListenerMetrics {
	if reg == nil {
		return &ListenerMetrics{}
	}
	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "passes_total",
		Help:      "Processing passes by trigger source.",
	}, []string{"listener", "trigger"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "pass_failures_total",
		Help:      "Processing passes rolled back.",
	}, []string{"listener"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "events_total",
		Help:      "Outbox events consumed, by outcome.",
	}, []string{"listener", "outcome"})
	effects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "effects_total",
		Help:      "Effects executed, by kind.",
	}, []string{"listener", "kind"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "pass_duration_seconds",
		Help:      "Duration of committed processing passes.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"listener"})
	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "reconnects_total",
		Help:      "Notification subscription reconnect attempts.",
	}, []string{"listener"})
	reg.MustRegister(passes, failures, events, effects, duration, reconnects)
	return &ListenerMetrics{
		passes:     passes,
		failures:   failures,
		events:     events,
		effects:    effects,
		duration:   duration,
		reconnects: reconnects,
	}
}

func (m *ListenerMetrics) IncPass(listener, trigger string) {
	if m == nil || m.passes == nil {
		return
	}
	m.passes.WithLabelValues(normalizeLabel(listener), normalizeLabel(trigger)).Inc()
}

func (m *ListenerMetrics) IncPassFailure(listener string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(listener)).Inc()
}

func (m *ListenerMetrics) AddEvents(listener, outcome string, n int) {
	if m == nil || m.events == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(normalizeLabel(listener), normalizeLabel(outcome)).Add(float64(n))
}

func (m *ListenerMetrics) IncEffect(listener, kind string) {
	if m == nil || m.effects == nil {
		return
	}
	m.effects.WithLabelValues(normalizeLabel(listener), normalizeLabel(kind)).Inc()
}

func (m *ListenerMetrics) ObservePass(listener string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(listener)).Observe(d.Seconds())
}

func (m *ListenerMetrics) IncReconnect(listener string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.WithLabelValues(normalizeLabel(listener)).Inc()
}
