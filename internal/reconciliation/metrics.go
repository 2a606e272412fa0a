package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fortiescrow",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of ledger/escrow mismatches found in last reconciliation run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fortiescrow",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Number of funded escrows past their deadline found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fortiescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}
