// Package metrics holds the engine's Prometheus collectors. Registered via
// promauto at init; scraped through the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otsem_conversions_total",
		Help: "Conversions by side and terminal status",
	}, []string{"side", "status"})

	StuckConversionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otsem_stuck_conversions_total",
		Help: "Buy conversions that failed after the bank transfer settled",
	})

	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otsem_payouts_total",
		Help: "Payouts by terminal status",
	}, []string{"status"})

	PayoutRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otsem_payout_refunds_total",
		Help: "Compensating credits applied to failed payouts",
	})

	ReconcilerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otsem_reconciler_runs_total",
		Help: "Reconciler ticks by outcome (run, skipped)",
	}, []string{"outcome"})

	OrphanDepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otsem_orphan_deposits_total",
		Help: "Exchange deposits with no matching conversion",
	})

	BuyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "otsem_buy_duration_seconds",
		Help:    "End-to-end latency of the buy flow",
		Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120},
	})
)
