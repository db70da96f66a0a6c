package metrics

import "github.com/prometheus/client_golang/prometheus"

// Job state transitions recorded by QueueMetrics.
const (
	QueueEnqueued     = "enqueued"
	QueueClaimed      = "claimed"
	QueueCompleted    = "completed"
	QueueRetried      = "retried"
	QueueDeadLettered = "dead_lettered"
)

// QueueMetrics counts durable job transitions per queue.
type QueueMetrics struct {
	transitions *prometheus.CounterVec
}

func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	if reg == nil {
		return &QueueMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Durable job state transitions.",
	}, []string{"queue", "transition"})
	reg.MustRegister(transitions)
	return &QueueMetrics{transitions: transitions}
}

func (m *QueueMetrics) Inc(queue, transition string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(queue), normalizeLabel(transition)).Inc()
}
