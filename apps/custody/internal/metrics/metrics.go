package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the escrow worker and the custody ledger
var (
	OrdersCheckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_orders_checked_total",
			Help: "Total number of candidate orders examined by the reconciler",
		},
	)

	OrdersReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_orders_released_total",
			Help: "Total number of escrows released by the reconciler",
		},
	)

	OrdersSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_orders_skipped_total",
			Help: "Total number of candidate orders skipped, by reason",
		},
		[]string{"reason"},
	)

	ReleaseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_release_errors_total",
			Help: "Total number of per-order reconciliation errors",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrow_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation run",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_reconcile_last_run_timestamp_seconds",
			Help: "Unix time of the last completed reconciliation run",
		},
	)

	WaypointsRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waypoints_recorded_total",
			Help: "Total number of waypoints appended to the ledger",
		},
	)

	WaypointsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waypoints_cleaned_total",
			Help: "Total number of proven waypoints removed by retention cleanup",
		},
	)

	ProofsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofs_submitted_total",
			Help: "Total number of custody proofs anchored on-chain, by kind",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the given registerer
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OrdersCheckedTotal,
		OrdersReleasedTotal,
		OrdersSkippedTotal,
		ReleaseErrorsTotal,
		ReconcileDuration,
		ReconcileLastRun,
		WaypointsRecordedTotal,
		WaypointsCleanedTotal,
		ProofsSubmittedTotal,
	)
}
