package metrics

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics counts balance mutations and the optimistic-write races they lose.
type LedgerMetrics struct {
	operations   *prometheus.CounterVec
	casConflicts *prometheus.CounterVec
}

// NewLedgerMetrics registers ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger mutations by operation and outcome.",
	}, []string{"op", "outcome"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cas_conflicts_total",
		Help: "Conditional balance writes rejected because the version moved.",
	}, []string{"op"})
	reg.MustRegister(operations, conflicts)
	return &LedgerMetrics{operations: operations, casConflicts: conflicts}
}

// ObserveOperation records the outcome of a ledger call.
func (m *LedgerMetrics) ObserveOperation(op, outcome string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(op), normalizeLabel(outcome)).Inc()
}

// IncConflict records a lost compare-and-swap.
func (m *LedgerMetrics) IncConflict(op string) {
	if m == nil || m.casConflicts == nil {
		return
	}
	m.casConflicts.WithLabelValues(normalizeLabel(op)).Inc()
}

// PayoutMetrics counts payout workflow transitions.
type PayoutMetrics struct {
	transitions *prometheus.CounterVec
}

// NewPayoutMetrics registers payout metrics on the provided registerer.
func NewPayoutMetrics(reg prometheus.Registerer) *PayoutMetrics {
	if reg == nil {
		return &PayoutMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_transitions_total",
		Help: "Payout workflow transitions by name and outcome.",
	}, []string{"transition", "outcome"})
	reg.MustRegister(transitions)
	return &PayoutMetrics{transitions: transitions}
}

// ObserveTransition records the outcome of a workflow operation.
func (m *PayoutMetrics) ObserveTransition(transition, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(transition), normalizeLabel(outcome)).Inc()
}

// ReconciliationMetrics tracks what the reconciliation job finds.
type ReconciliationMetrics struct {
	driftVendors    prometheus.Gauge
	orphansReleased prometheus.Counter
}

// NewReconciliationMetrics registers reconciliation metrics on the provided registerer.
func NewReconciliationMetrics(reg prometheus.Registerer) *ReconciliationMetrics {
	if reg == nil {
		return &ReconciliationMetrics{}
	}
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reserved_drift_vendors",
		Help: "Vendors whose reserved balance disagreed with open payout requests on the last run.",
	})
	orphans := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_orphan_reservations_released_total",
		Help: "Payout reservations released because no payout request was ever stored.",
	})
	reg.MustRegister(drift, orphans)
	return &ReconciliationMetrics{driftVendors: drift, orphansReleased: orphans}
}

// SetDriftVendors records how many vendors drifted on the last run.
func (m *ReconciliationMetrics) SetDriftVendors(n int) {
	if m == nil || m.driftVendors == nil {
		return
	}
	m.driftVendors.Set(float64(n))
}

// IncOrphanReleased counts one released orphan reservation.
func (m *ReconciliationMetrics) IncOrphanReleased() {
	if m == nil || m.orphansReleased == nil {
		return
	}
	m.orphansReleased.Inc()
}
