package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// Store persists escrow instances. Get returns a copy the caller may mutate.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	// ListByParty returns instances where party holds any role, newest
	// first, starting strictly after the (createdAt, id) cursor when given.
	ListByParty(ctx context.Context, party Principal, after *Cursor, limit int) ([]*Escrow, error)
	// ListExpired returns Funded instances whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// Cursor is a position in a newest-first listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// admits reports whether e sorts after the cursor in newest-first order.
func (c *Cursor) admits(e *Escrow) bool {
	if c == nil {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

// Ledger refusals. A LedgerService wraps these when retrying the call cannot
// change the outcome.
var (
	ErrLedgerRefused  = errors.New("ledger refused entry")
	ErrLedgerConflict = fmt.Errorf("%w: journal holds a different entry", ErrLedgerRefused)
)

// LedgerService journals the value movements of settled operations. Both
// calls must be idempotent per escrow ID.
type LedgerService interface {
	RecordFunding(ctx context.Context, escrowID string, depositor Principal, amount uint256.Int) error
	Payout(ctx context.Context, escrowID string, recipient Principal, amount uint256.Int) error
}
