package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics counts what the publisher did with each outbox row.
type OutboxMetrics struct {
	events *prometheus.CounterVec
	lag    prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_total",
		Help: "Outbox rows handled by the publisher, by event type and outcome.",
	}, []string{"event_type", "outcome"})
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_publish_lag_seconds",
		Help:    "Time between an outbox row being written and being published.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	})
	reg.MustRegister(events, lag)
	return &OutboxMetrics{events: events, lag: lag}
}

func (m *OutboxMetrics) Event(eventType, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(orUnknown(eventType), orUnknown(outcome)).Inc()
}

func (m *OutboxMetrics) ObserveLag(seconds float64) {
	if m == nil || m.lag == nil || seconds < 0 {
		return
	}
	m.lag.Observe(seconds)
}
