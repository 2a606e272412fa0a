package escrow

import (
	"time"

	"github.com/holiman/uint256"
)

// Fund deposits exactly Amount and starts the deadline window.
func (g *Engine) Fund(e *Escrow, caller Principal, attached uint256.Int) (*Transition, error) {
	return g.apply(e, OpFund, caller, func(next *Escrow, _ Role, now time.Time) (*Transition, error) {
		if next.State != StateInit {
			return nil, fail(ErrAlreadyFunded, OpFund)
		}
		if !attached.Eq(&next.Amount) {
			return nil, failf(ErrAmountMismatch, OpFund, "attached %s, expected %s", attached.Dec(), next.Amount.Dec())
		}
		w := NewDeadlineWindow(now, next.Timeout)
		next.State = StateFunded
		next.FundedAt = w.FundedAt
		next.Deadline = w.Deadline
		next.Balance = attached
		return &Transition{}, nil
	})
}

// ForceRefund returns the balance to the depositor once the deadline is
// reached. Any caller may invoke it.
func (g *Engine) ForceRefund(e *Escrow, caller Principal) (*Transition, error) {
	return g.apply(e, OpForceRefund, caller, func(next *Escrow, _ Role, now time.Time) (*Transition, error) {
		if next.State != StateFunded {
			return nil, fail(ErrNotFunded, OpForceRefund)
		}
		if !next.Window().CanForceRefund(now) {
			return nil, failf(ErrTimeoutNotExpired, OpForceRefund, "deadline %s not reached", next.Deadline.Format(time.RFC3339))
		}
		return &Transition{Settlement: finish(next, StateRefunded, now)}, nil
	})
}

// RejectDirectTransfer refuses value sent outside Fund. It never mutates.
func (g *Engine) RejectDirectTransfer(e *Escrow, caller Principal, amount uint256.Int) error {
	_, err := g.apply(e, OpDirectTransfer, caller, func(*Escrow, Role, time.Time) (*Transition, error) {
		return nil, failf(ErrDirectTransfer, OpDirectTransfer, "direct transfer of %s rejected, use fund", amount.Dec())
	})
	return err
}

// Release pays the beneficiary. Simple variant, depositor only, before the
// deadline.
func (g *Engine) Release(e *Escrow, caller Principal) (*Transition, error) {
	return g.apply(e, OpRelease, caller, func(next *Escrow, _ Role, now time.Time) (*Transition, error) {
		if next.State != StateFunded {
			return nil, fail(ErrNotFunded, OpRelease)
		}
		if !next.Window().CanRelease(now) {
			return nil, failf(ErrDeadlinePassed, OpRelease, "deadline %s passed", next.Deadline.Format(time.RFC3339))
		}
		return &Transition{Settlement: finish(next, StateReleased, now)}, nil
	})
}

// Refund returns the balance to the depositor. Simple variant, depositor
// only, at any time while funded.
func (g *Engine) Refund(e *Escrow, caller Principal) (*Transition, error) {
	return g.apply(e, OpRefund, caller, func(next *Escrow, _ Role, now time.Time) (*Transition, error) {
		if next.State != StateFunded {
			return nil, fail(ErrNotFunded, OpRefund)
		}
		return &Transition{Settlement: finish(next, StateRefunded, now)}, nil
	})
}
