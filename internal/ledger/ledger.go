// Package ledger journals the value movements of escrow settlements.
//
// Flow:
//  1. An escrow is funded: a fund entry moves the depositor's value in
//  2. An escrow settles: one payout entry moves the balance to the recipient
//
// Each escrow has at most one entry of each type, so a replayed call is
// accepted without writing twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/idgen"
	"github.com/mbd888/fortiescrow/internal/pagination"
)

var (
	ErrInvalidAmount        = refused("invalid amount", escrow.ErrLedgerRefused)
	ErrDuplicateEntry       = errors.New("ledger entry already recorded")
	ErrConflictingEntry     = refused("ledger entry recorded with different details", escrow.ErrLedgerConflict)
	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrNotFunded            = refused("escrow has no funding entry", escrow.ErrLedgerRefused)
	ErrPayoutExceedsFunding = refused("payout exceeds funded amount", escrow.ErrLedgerRefused)
)

// refusal is an error that replaying the same call cannot fix. It unwraps to
// the escrow refusal class so callers stop retrying.
type refusal struct {
	msg   string
	class error
}

func refused(msg string, class error) error {
	return &refusal{msg: msg, class: class}
}

func (r *refusal) Error() string { return r.msg }
func (r *refusal) Unwrap() error { return r.class }

// EntryType distinguishes journal entries.
type EntryType string

const (
	EntryFund   EntryType = "fund"
	EntryPayout EntryType = "payout"
)

// Entry represents a ledger entry
type Entry struct {
	ID        string    `json:"id"`
	EscrowID  string    `json:"escrowId"`
	Type      EntryType `json:"type"`
	Principal string    `json:"principal"` // depositor for fund, recipient for payout
	Amount    string    `json:"amount"`    // base units, decimal
	CreatedAt time.Time `json:"createdAt"`
}

// Account is the running position of one principal.
type Account struct {
	Address   string    `json:"address"`
	Funded    string    `json:"funded"`   // lifetime value moved into escrows
	Received  string    `json:"received"` // lifetime value paid out of escrows
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Totals are the ledger-wide sums used by reconciliation.
type Totals struct {
	Funded   uint256.Int
	PaidOut  uint256.Int
	Fundings int
	Payouts  int
}

// Outstanding is the value still held in escrows according to the ledger.
func (t Totals) Outstanding() uint256.Int {
	var out uint256.Int
	out.Sub(&t.Funded, &t.PaidOut)
	return out
}

// Store persists ledger data. Append must reject a second entry of the same
// type for the same escrow with ErrDuplicateEntry and update the principal's
// account in the same transaction.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, escrowID string, typ EntryType) (*Entry, error)
	Account(ctx context.Context, address string) (*Account, error)
	// History returns the principal's entries newest first, strictly after
	// the cursor when given.
	History(ctx context.Context, address string, after *pagination.Cursor, limit int) ([]*Entry, error)
	// Scan returns entries of one type ordered by ID, strictly after afterID.
	Scan(ctx context.Context, typ EntryType, afterID string, limit int) ([]*Entry, error)
	Totals(ctx context.Context) (*Totals, error)
}

// Ledger records escrow fundings and payouts.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		logger: slog.Default(),
	}
}

// WithLogger sets the ledger logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// RecordFunding journals the funding of escrowID by depositor.
func (l *Ledger) RecordFunding(ctx context.Context, escrowID string, depositor escrow.Principal, amount uint256.Int) (retErr error) {
	done := observeOp(string(EntryFund))
	defer func() { done(retErr) }()

	if amount.IsZero() {
		return ErrInvalidAmount
	}
	return l.append(ctx, &Entry{
		EscrowID:  escrowID,
		Type:      EntryFund,
		Principal: string(depositor),
		Amount:    amount.Dec(),
	})
}

// Payout journals the settlement of escrowID to recipient. The escrow must
// have a funding entry and the payout may not exceed it.
func (l *Ledger) Payout(ctx context.Context, escrowID string, recipient escrow.Principal, amount uint256.Int) (retErr error) {
	done := observeOp(string(EntryPayout))
	defer func() { done(retErr) }()

	if amount.IsZero() {
		return ErrInvalidAmount
	}
	fund, err := l.store.Get(ctx, escrowID, EntryFund)
	if errors.Is(err, ErrEntryNotFound) {
		return ErrNotFunded
	}
	if err != nil {
		return err
	}
	funded, err := ParseAmount(fund.Amount)
	if err != nil {
		return err
	}
	if amount.Gt(&funded) {
		return ErrPayoutExceedsFunding
	}
	return l.append(ctx, &Entry{
		EscrowID:  escrowID,
		Type:      EntryPayout,
		Principal: string(recipient),
		Amount:    amount.Dec(),
	})
}

// append writes e, treating an identical existing entry as success.
func (l *Ledger) append(ctx context.Context, e *Entry) error {
	e.ID = idgen.WithPrefix("le_")
	e.Principal = strings.ToLower(e.Principal)
	e.CreatedAt = l.now()

	err := l.store.Append(ctx, e)
	if !errors.Is(err, ErrDuplicateEntry) {
		if err == nil {
			l.logger.Info("ledger entry recorded",
				"escrow_id", e.EscrowID, "type", e.Type, "principal", e.Principal, "amount", e.Amount)
		}
		return err
	}

	existing, getErr := l.store.Get(ctx, e.EscrowID, e.Type)
	if getErr != nil {
		return fmt.Errorf("load existing %s entry for %s: %w", e.Type, e.EscrowID, getErr)
	}
	if existing.Principal != e.Principal || existing.Amount != e.Amount {
		l.logger.Error("conflicting ledger entry",
			"escrow_id", e.EscrowID, "type", e.Type,
			"recorded_principal", existing.Principal, "recorded_amount", existing.Amount,
			"principal", e.Principal, "amount", e.Amount)
		return ErrConflictingEntry
	}
	return nil
}

// Entries returns the fund and payout entries of one escrow. Missing
// entries are nil.
func (l *Ledger) Entries(ctx context.Context, escrowID string) (fund, payout *Entry, err error) {
	fund, err = l.store.Get(ctx, escrowID, EntryFund)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, nil, err
	}
	payout, err = l.store.Get(ctx, escrowID, EntryPayout)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, nil, err
	}
	return fund, payout, nil
}

// Account returns the account of address. Unknown addresses have a zero account.
func (l *Ledger) Account(ctx context.Context, address string) (*Account, error) {
	return l.store.Account(ctx, strings.ToLower(address))
}

// History returns address's entries, newest first.
func (l *Ledger) History(ctx context.Context, address string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	return l.store.History(ctx, strings.ToLower(address), after, limit)
}

// Scan pages through entries of one type.
func (l *Ledger) Scan(ctx context.Context, typ EntryType, afterID string, limit int) ([]*Entry, error) {
	return l.store.Scan(ctx, typ, afterID, limit)
}

// Totals returns ledger-wide sums and refreshes the outstanding gauge.
func (l *Ledger) Totals(ctx context.Context) (*Totals, error) {
	t, err := l.store.Totals(ctx)
	if err != nil {
		return nil, err
	}
	outstanding := t.Outstanding()
	LedgerOutstanding.Set(toFloat(&outstanding))
	return t, nil
}

// ParseAmount parses a base-unit decimal amount.
func ParseAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return *v, nil
}

func zeroAccount(address string) *Account {
	return &Account{Address: address, Funded: "0", Received: "0"}
}

// applyToAccount adds e to acct.
func applyToAccount(acct *Account, e *Entry) error {
	amount, err := ParseAmount(e.Amount)
	if err != nil {
		return err
	}
	field := &acct.Funded
	if e.Type == EntryPayout {
		field = &acct.Received
	}
	current, err := ParseAmount(*field)
	if err != nil {
		return err
	}
	current.Add(&current, &amount)
	*field = current.Dec()
	acct.UpdatedAt = e.CreatedAt
	return nil
}

var _ escrow.LedgerService = (*Ledger)(nil)
