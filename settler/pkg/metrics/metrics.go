package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hashfleet_settler_build_info",
			Help: "Build information of the settlement daemon",
		},
		[]string{"version", "commit", "date"},
	)

	SettlementRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfleet_settler_runs_total",
			Help: "Total number of settlement window runs by outcome",
		},
		[]string{"account", "coin", "status"},
	)

	SettlementRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashfleet_settler_run_duration_seconds",
			Help:    "Duration of settlement window runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"account", "coin"},
	)

	RateRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfleet_settler_rate_refresh_total",
			Help: "Total number of rate snapshot refreshes",
		},
		[]string{"coin", "status"},
	)

	LedgerQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfleet_settler_ledger_queries_total",
			Help: "Total number of ledger database queries",
		},
		[]string{"status"},
	)

	LedgerQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hashfleet_settler_ledger_query_duration_seconds",
			Help:    "Duration of ledger database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
	)

	ScoreSamplesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfleet_settler_score_samples_written_total",
			Help: "Total number of worker score samples written to the time series",
		},
		[]string{"account", "coin"},
	)

	ReviewActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfleet_settler_review_actions_total",
			Help: "Total number of reviewed-settlement actions",
		},
		[]string{"action", "status"},
	)

	PendingReviews = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hashfleet_settler_pending_reviews",
			Help: "Number of reviewed settlements awaiting an approve/reject decision",
		},
	)
)
