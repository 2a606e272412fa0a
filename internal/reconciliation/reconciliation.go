// Package reconciliation checks that the ledger and the escrow store agree on
// where every funded unit is.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/ledger"
)

// EscrowReader loads escrows and lists the ones the sweeper still owes.
type EscrowReader interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
}

// LedgerReader is the part of the ledger reconciliation reads.
type LedgerReader interface {
	Scan(ctx context.Context, typ ledger.EntryType, afterID string, limit int) ([]*ledger.Entry, error)
	Entries(ctx context.Context, escrowID string) (fund, payout *ledger.Entry, err error)
	Totals(ctx context.Context) (*ledger.Totals, error)
}

// Mismatch kinds.
const (
	KindMissingEscrow   = "missing_escrow"
	KindUnfundedState   = "unfunded_state"
	KindBalanceDrift    = "balance_drift"
	KindMissingPayout   = "missing_payout"
	KindUnexpectedPaid  = "unexpected_payout"
	KindWrongRecipient  = "wrong_recipient"
	KindPartialPayout   = "partial_payout"
	KindOutstandingDiff = "outstanding_diff"
)

// Mismatch is one disagreement between ledger and escrow state.
type Mismatch struct {
	EscrowID string `json:"escrowId,omitempty"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Report holds the outcome of a reconciliation run.
type Report struct {
	CheckedAt         time.Time  `json:"checkedAt"`
	EscrowsChecked    int        `json:"escrowsChecked"`
	LedgerOutstanding string     `json:"ledgerOutstanding"`
	EscrowHeld        string     `json:"escrowHeld"`
	StuckEscrows      int        `json:"stuckEscrows"`
	Mismatches        []Mismatch `json:"mismatches"`
	Duration          string     `json:"duration"`
}

// Match reports whether the run found no mismatches.
func (r *Report) Match() bool {
	return len(r.Mismatches) == 0
}

// Runner performs reconciliation between ledger and escrow state.
type Runner struct {
	escrows   EscrowReader
	ledger    LedgerReader
	clock     escrow.Clock
	pageSize  int
	stuckScan int
	logger    *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows EscrowReader, l LedgerReader, clock escrow.Clock, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		escrows:   escrows,
		ledger:    l,
		clock:     clock,
		pageSize:  200,
		stuckScan: 1000,
		logger:    logger,
	}
}

// RunAll walks every fund entry, checks the escrow it belongs to and then
// compares the ledger's outstanding total with the balances held.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	report := &Report{CheckedAt: r.clock.Now()}
	var held uint256.Int

	after := ""
	for {
		page, err := r.ledger.Scan(ctx, ledger.EntryFund, after, r.pageSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to scan fund entries: %w", err)
		}
		for _, fund := range page {
			balance, err := r.checkEscrow(ctx, fund, report)
			if err != nil {
				reconcileErrors.Inc()
				return nil, err
			}
			held.Add(&held, &balance)
			report.EscrowsChecked++
		}
		if len(page) < r.pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	totals, err := r.ledger.Totals(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to compute ledger totals: %w", err)
	}
	outstanding := totals.Outstanding()
	report.LedgerOutstanding = outstanding.Dec()
	report.EscrowHeld = held.Dec()
	if !outstanding.Eq(&held) {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Kind:   KindOutstandingDiff,
			Detail: fmt.Sprintf("ledger outstanding %s, escrows hold %s", outstanding.Dec(), held.Dec()),
		})
	}

	stuck, err := r.escrows.ListExpired(ctx, report.CheckedAt, r.stuckScan)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list expired escrows: %w", err)
	}
	report.StuckEscrows = len(stuck)

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileStuckEscrows.Set(float64(report.StuckEscrows))
	report.Duration = time.Since(start).String()

	if report.Match() {
		r.logger.Info("reconciliation passed",
			"escrows", report.EscrowsChecked, "outstanding", report.LedgerOutstanding, "stuck", report.StuckEscrows)
	} else {
		r.logger.Error("reconciliation found mismatches",
			"escrows", report.EscrowsChecked, "mismatches", len(report.Mismatches))
	}
	return report, nil
}

// checkEscrow compares one escrow with its ledger entries and returns the
// balance it holds.
func (r *Runner) checkEscrow(ctx context.Context, fund *ledger.Entry, report *Report) (uint256.Int, error) {
	id := fund.EscrowID
	flag := func(kind, format string, args ...any) {
		report.Mismatches = append(report.Mismatches, Mismatch{EscrowID: id, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	e, err := r.escrows.Get(ctx, id)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		flag(KindMissingEscrow, "fund entry %s has no escrow", fund.ID)
		return uint256.Int{}, nil
	}
	if err != nil {
		return uint256.Int{}, fmt.Errorf("failed to load escrow %s: %w", id, err)
	}

	funded, err := ledger.ParseAmount(fund.Amount)
	if err != nil {
		return uint256.Int{}, err
	}
	_, payout, err := r.ledger.Entries(ctx, id)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("failed to load entries for %s: %w", id, err)
	}

	switch {
	case e.State == escrow.StateInit:
		flag(KindUnfundedState, "ledger funded %s but escrow is %s", funded.Dec(), e.State)

	case e.State == escrow.StateFunded:
		if !e.Balance.Eq(&funded) {
			flag(KindBalanceDrift, "balance %s, funded %s", e.Balance.Dec(), funded.Dec())
		}
		if payout != nil {
			flag(KindUnexpectedPaid, "payout %s recorded for a funded escrow", payout.ID)
		}

	case e.State.IsTerminal():
		if payout == nil {
			flag(KindMissingPayout, "escrow is %s without a payout entry", e.State)
			break
		}
		recipient, _ := e.Recipient(e.State)
		if payout.Principal != string(recipient) {
			flag(KindWrongRecipient, "paid %s, expected %s", payout.Principal, recipient)
		}
		if payout.Amount != funded.Dec() {
			flag(KindPartialPayout, "paid %s of %s", payout.Amount, funded.Dec())
		}
		if !e.Balance.IsZero() {
			flag(KindBalanceDrift, "terminal escrow still holds %s", e.Balance.Dec())
		}
	}
	return e.Balance, nil
}
