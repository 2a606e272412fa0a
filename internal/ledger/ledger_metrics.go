package ledger

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortiescrow",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by entry type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fortiescrow",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerOutstanding tracks value funded into escrows and not yet paid out.
	LedgerOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fortiescrow",
			Name:      "ledger_outstanding_base_units",
			Help:      "Value held in escrows according to the ledger, in base units.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerOutstanding,
	)
}

// observeOp returns a function that records the outcome and duration of one
// operation.
func observeOp(opType string) func(err error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		LedgerOpsTotal.WithLabelValues(opType, outcome).Inc()
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
