package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics counts ledger traffic and reconciliation work.
type SettlementMetrics struct {
	ledgerCalls *prometheus.CounterVec
	releases    *prometheus.CounterVec
	actions     *prometheus.CounterVec
	flags       *prometheus.CounterVec
}

func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	ledgerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_calls_total",
		Help: "Custody ledger calls by transaction kind and outcome.",
	}, []string{"kind", "outcome"})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "milestone_releases_total",
		Help: "Milestone release attempts by outcome.",
	}, []string{"outcome"})
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_actions_total",
		Help: "Repairs driven by the reconciliation sweeper.",
	}, []string{"action"})
	flags := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_flags_total",
		Help: "Items escalated for manual attention.",
	}, []string{"reason"})
	reg.MustRegister(ledgerCalls, releases, actions, flags)
	return &SettlementMetrics{
		ledgerCalls: ledgerCalls,
		releases:    releases,
		actions:     actions,
		flags:       flags,
	}
}

func (m *SettlementMetrics) LedgerCall(kind, outcome string) {
	if m == nil || m.ledgerCalls == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(orUnknown(kind), orUnknown(outcome)).Inc()
}

func (m *SettlementMetrics) Release(outcome string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.WithLabelValues(orUnknown(outcome)).Inc()
}

func (m *SettlementMetrics) ReconciliationAction(action string) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.WithLabelValues(orUnknown(action)).Inc()
}

func (m *SettlementMetrics) Flag(reason string) {
	if m == nil || m.flags == nil {
		return
	}
	m.flags.WithLabelValues(orUnknown(reason)).Inc()
}
