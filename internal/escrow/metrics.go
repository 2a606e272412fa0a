package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Escrow operations by variant, operation and outcome.",
	}, []string{"variant", "op", "outcome"}) // outcome: "ok" or the error kind

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "Latency of mutating escrow operations, including persistence and ledger writes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "settlements_total",
		Help:      "Settled escrows by variant and final state.",
	}, []string{"variant", "state"})

	consensusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "consensus_executed_total",
		Help:      "Multisig consensus executions by outcome.",
	}, []string{"outcome"})

	invariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "invariant_violations_total",
		Help:      "Fatal internal invariant violations detected.",
	})

	haltedInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "halted_instances",
		Help:      "Escrows currently halted after an invariant violation.",
	})

	compensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "compensations_total",
		Help:      "Persisted transitions rolled back after a ledger failure.",
	}, []string{"op", "result"}) // result: "restored", "failed"

	sweepRefunds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fortiescrow",
		Subsystem: "escrow",
		Name:      "sweep_refunds_total",
		Help:      "Force refunds attempted by the deadline sweeper.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		operationsTotal,
		operationDuration,
		settlementsTotal,
		consensusTotal,
		invariantViolations,
		haltedInstances,
		compensationsTotal,
		sweepRefunds,
	)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "internal"
}
