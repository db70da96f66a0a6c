package metrics

import "github.com/prometheus/client_golang/prometheus"

// TickerMetrics tracks interval runner back-pressure.
type TickerMetrics struct {
	skipped  *prometheus.CounterVec
	failures *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

func NewTickerMetrics(reg prometheus.Registerer) *TickerMetrics {
	if reg == nil {
		return &TickerMetrics{}
	}
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ticker",
		Name:      "skipped_total",
		Help:      "Ticks dropped because the runner was at max concurrency.",
	}, []string{"ticker"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ticker",
		Name:      "callback_failures_total",
		Help:      "Callbacks that returned an error or panicked.",
	}, []string{"ticker"})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ticker",
		Name:      "in_flight",
		Help:      "Callbacks currently executing.",
	}, []string{"ticker"})
	reg.MustRegister(skipped, failures, inFlight)
	return &TickerMetrics{skipped: skipped, failures: failures, inFlight: inFlight}
}

func (m *TickerMetrics) IncSkipped(name string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(name)).Inc()
}

func (m *TickerMetrics) IncFailure(name string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(name)).Inc()
}

func (m *TickerMetrics) SetInFlight(name string, n int) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.WithLabelValues(normalizeLabel(name)).Set(float64(n))
}
