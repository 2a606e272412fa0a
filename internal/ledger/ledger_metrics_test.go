package ledger

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	return m.Counter.GetValue()
}

func TestObserveOp_CountsOutcome(t *testing.T) {
	LedgerOpsTotal.Reset()

	observeOp("test_op")(nil)
	observeOp("test_op")(errors.New("boom"))
	observeOp("test_op")(nil)

	if v := counterValue(t, "test_op", "ok"); v != 2 {
		t.Errorf("expected 2 ok, got %f", v)
	}
	if v := counterValue(t, "test_op", "error"); v != 1 {
		t.Errorf("expected 1 error, got %f", v)
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	LedgerOpDuration.Reset()

	observeOp("hist_test")(nil)

	ch := make(chan prometheus.Metric, 10)
	LedgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestTotals_SetsOutstandingGauge(t *testing.T) {
	l, _ := newTestLedger()
	ctx := t.Context()
	if err := l.RecordFunding(ctx, "esc_1", alice, amount(900)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Totals(ctx); err != nil {
		t.Fatal(err)
	}

	m := &dto.Metric{}
	_ = LedgerOutstanding.Write(m)
	if m.Gauge.GetValue() != 900 {
		t.Errorf("expected gauge 900, got %f", m.Gauge.GetValue())
	}
}

func TestToFloat(t *testing.T) {
	if got := toFloat(uint256.NewInt(42)); got != 42 {
		t.Errorf("expected 42, got %f", got)
	}
	max := new(uint256.Int).SetAllOne()
	if got := toFloat(max); got < 1e77 {
		t.Errorf("expected ~1.15e77, got %g", got)
	}
}
