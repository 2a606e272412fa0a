package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/ledger"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *escrow.Service
	store  *escrow.MemoryStore
	ledger *ledger.Ledger
	clock  *escrow.ManualClock
	runner *Runner
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := escrow.NewManualClock(t0)
	store := escrow.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore()).WithLogger(logger)
	engine := escrow.NewEngine(clock, escrow.Limits{MinTimeout: time.Second, MaxTimeout: escrow.DefaultMaxTimeout})
	svc := escrow.NewService(engine, store, l).WithLogger(logger)
	return &fixture{
		svc:    svc,
		store:  store,
		ledger: l,
		clock:  clock,
		runner: NewRunner(store, l, clock, logger),
	}
}

func (f *fixture) funded(t *testing.T, amount string) *escrow.Escrow {
	t.Helper()
	return f.fund(t, escrow.CreateRequest{Beneficiary: bob, Amount: amount, Timeout: "1h"})
}

func (f *fixture) fundedMultiSig(t *testing.T, amount string) *escrow.Escrow {
	t.Helper()
	return f.fund(t, escrow.CreateRequest{
		Variant:     escrow.VariantMultiSig,
		Beneficiary: bob,
		Arbiter:     carol,
		Amount:      amount,
		Timeout:     "1h",
	})
}

func (f *fixture) fund(t *testing.T, req escrow.CreateRequest) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	amount := req.Amount
	e, err := f.svc.Create(ctx, alice, req)
	require.NoError(t, err)
	e, err = f.svc.Fund(ctx, e.ID, alice, amount)
	require.NoError(t, err)
	return e
}

func TestRunAll_CleanLifecycles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	released := f.funded(t, "700")
	_, err := f.svc.Release(ctx, released.ID, alice)
	require.NoError(t, err)

	voted := f.fundedMultiSig(t, "200")
	_, err = f.svc.VoteRefund(ctx, voted.ID, alice)
	require.NoError(t, err)
	_, err = f.svc.VoteRefund(ctx, voted.ID, carol)
	require.NoError(t, err)

	f.funded(t, "100")

	report, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Match(), "%+v", report.Mismatches)
	assert.Equal(t, 3, report.EscrowsChecked)
	assert.Equal(t, "100", report.LedgerOutstanding)
	assert.Equal(t, "100", report.EscrowHeld)
	assert.Equal(t, 0, report.StuckEscrows)
}

func TestRunAll_CountsStuckEscrows(t *testing.T) {
	f := newFixture()
	f.funded(t, "100")
	f.clock.Advance(2 * time.Hour)

	report, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Match())
	assert.Equal(t, 1, report.StuckEscrows)
}

func TestRunAll_DetectsBalanceDrift(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e := f.funded(t, "100")

	corrupt, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	corrupt.Balance = *uint256.NewInt(40)
	require.NoError(t, f.store.Update(ctx, corrupt))

	report, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	require.False(t, report.Match())
	assert.Equal(t, []string{KindBalanceDrift, KindOutstandingDiff}, kinds(report))
}

func TestRunAll_DetectsMissingPayout(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e := f.funded(t, "100")

	// Settle in the store behind the ledger's back.
	settled, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	settled.State = escrow.StateReleased
	settled.Balance = uint256.Int{}
	require.NoError(t, f.store.Update(ctx, settled))

	report, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{KindMissingPayout, KindOutstandingDiff}, kinds(report))
}

func TestRunAll_DetectsWrongRecipientAndOrphans(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e := f.funded(t, "100")
	_, err := f.svc.Release(ctx, e.ID, alice)
	require.NoError(t, err)

	refunded, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	refunded.State = escrow.StateRefunded
	require.NoError(t, f.store.Update(ctx, refunded))

	require.NoError(t, f.ledger.RecordFunding(ctx, "esc_ghost", alice, *uint256.NewInt(5)))

	report, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{KindWrongRecipient, KindMissingEscrow, KindOutstandingDiff}, kinds(report))
}

func TestRunAll_PagesThroughEntries(t *testing.T) {
	f := newFixture()
	f.runner.pageSize = 2
	for i := 0; i < 5; i++ {
		f.funded(t, "10")
	}

	report, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.EscrowsChecked)
	assert.Equal(t, "50", report.EscrowHeld)
	assert.True(t, report.Match())
}

type brokenLedger struct {
	LedgerReader
}

func (brokenLedger) Scan(context.Context, ledger.EntryType, string, int) ([]*ledger.Entry, error) {
	return nil, errors.New("connection reset")
}

func TestRunAll_ScanError(t *testing.T) {
	f := newFixture()
	r := NewRunner(f.store, brokenLedger{f.ledger}, f.clock, nil)
	_, err := r.RunAll(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestTimer_StoresLastReport(t *testing.T) {
	f := newFixture()
	f.funded(t, "10")

	timer := NewTimer(f.runner, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Nil(t, timer.LastReport())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return timer.LastReport() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.LastReport().Match())

	timer.Stop()
	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func kinds(r *Report) []string {
	out := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		out = append(out, m.Kind)
	}
	return out
}
