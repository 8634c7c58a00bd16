package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stakehouse_build_info",
			Help: "Build information of the stakehouse controller",
		},
		[]string{"version", "commit", "date"},
	)

	StakeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakehouse_stake_operations_total",
			Help: "Total number of stake operations by outcome",
		},
		[]string{"status"},
	)

	ClaimOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakehouse_claim_operations_total",
			Help: "Total number of claim operations by outcome",
		},
		[]string{"status"},
	)

	TokensStakedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakehouse_tokens_staked_total",
			Help: "Cumulative tokens moved into custody by successful stakes",
		},
	)

	TokensPaidOutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stakehouse_tokens_paid_out_total",
			Help: "Cumulative tokens paid out by successful claims, rewards included",
		},
	)

	FeeGrantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakehouse_fee_grants_total",
			Help: "Total number of fee sponsorship decisions by outcome",
		},
		[]string{"outcome"},
	)

	LedgerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakehouse_ledger_call_duration_seconds",
			Help:    "Duration of ledger transfer calls",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"operation"},
	)
)
