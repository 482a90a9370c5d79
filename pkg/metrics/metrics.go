package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AllocationsTotal counts allocation lifecycle outcomes by terminal or
	// entered status.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_allocations_total",
		Help: "Allocation state transitions by resulting status",
	}, []string{"status"})

	// SettlementsTotal counts settlement attempts by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// RiskEventsTotal counts risk events by severity.
	RiskEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_risk_events_total",
		Help: "Risk events recorded by severity",
	}, []string{"severity"})

	// CapitalAllocated tracks the sum of non-terminal allocation amounts
	// per vault.
	CapitalAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_capital_allocated",
		Help: "Capital currently reserved or allocated to agents",
	}, []string{"vault_id"})
)
