package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks the relay that drains outbox_events to Pub/Sub.
type OutboxMetrics struct {
	events  *prometheus.CounterVec
	lag     prometheus.Histogram
	batches prometheus.Histogram
}

// NewOutboxMetrics registers outbox relay metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_outbox_events_total",
			Help: "Outbox rows handled by the relay, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_outbox_publish_lag_seconds",
			Help:    "Time between an outbox row being written and its publication.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 15, 60, 300, 1800},
		}),
		batches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_outbox_batch_duration_seconds",
			Help:    "Duration of one relay batch transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.events, m.lag, m.batches)
	return m
}

// ObserveEvent records what happened to one outbox row.
func (m *OutboxMetrics) ObserveEvent(eventType, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// ObservePublished records the publish lag of a row created at createdAt.
func (m *OutboxMetrics) ObservePublished(createdAt, now time.Time) {
	if m == nil || m.lag == nil || createdAt.IsZero() {
		return
	}
	lag := now.Sub(createdAt)
	if lag < 0 {
		lag = 0
	}
	m.lag.Observe(lag.Seconds())
}

// ObserveBatch records one batch duration.
func (m *OutboxMetrics) ObserveBatch(d time.Duration) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.Observe(d.Seconds())
}
