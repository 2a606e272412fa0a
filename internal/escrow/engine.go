package escrow

import (
	"time"

	"github.com/holiman/uint256"
)

const (
	DefaultMinTimeout = time.Hour
	DefaultMaxTimeout = 365 * 24 * time.Hour

	// VotesNeeded is the consensus threshold of the multisig variant.
	VotesNeeded = 2
)

// Limits bounds constructor parameters.
type Limits struct {
	MinTimeout time.Duration
	MaxTimeout time.Duration
	MaxAmount  uint256.Int // zero means unlimited
}

// DefaultLimits returns the production bounds: one hour to one year.
func DefaultLimits() Limits {
	return Limits{MinTimeout: DefaultMinTimeout, MaxTimeout: DefaultMaxTimeout}
}

// Params are the creation-time parameters of an instance.
type Params struct {
	Variant     Variant
	Depositor   Principal
	Beneficiary Principal
	Arbiter     Principal
	Amount      uint256.Int
	Timeout     time.Duration
}

// Settlement is the single value movement produced when an instance reaches
// a terminal state.
type Settlement struct {
	Recipient Principal
	Role      Role
	Amount    uint256.Int
	State     State
}

// Transition describes an accepted operation.
type Transition struct {
	Op         Operation
	Caller     Principal
	Role       Role
	From       State
	To         State
	At         time.Time
	Vote       Vote
	Settlement *Settlement
}

// Engine applies operations to instances. It holds no per-instance state;
// callers serialize operations on one instance.
type Engine struct {
	clock  Clock
	limits Limits
}

// NewEngine creates an engine. A nil clock means SystemClock.
func NewEngine(clock Clock, limits Limits) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{clock: clock, limits: limits}
}

// Clock returns the engine clock.
func (g *Engine) Clock() Clock { return g.clock }

// Limits returns the constructor bounds.
func (g *Engine) Limits() Limits { return g.limits }

// NewSimple creates a two-party instance in Init.
func (g *Engine) NewSimple(id string, depositor, beneficiary Principal, amount uint256.Int, timeout time.Duration) (*Escrow, error) {
	return g.Create(id, Params{
		Variant:     VariantSimple,
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Amount:      amount,
		Timeout:     timeout,
	})
}

// NewMultiSig creates a 2-of-3 instance in Init.
func (g *Engine) NewMultiSig(id string, depositor, beneficiary, arbiter Principal, amount uint256.Int, timeout time.Duration) (*Escrow, error) {
	return g.Create(id, Params{
		Variant:     VariantMultiSig,
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Arbiter:     arbiter,
		Amount:      amount,
		Timeout:     timeout,
	})
}

// Create validates p and returns a new instance in Init.
func (g *Engine) Create(id string, p Params) (*Escrow, error) {
	if err := g.validate(p); err != nil {
		return nil, err
	}
	now := g.clock.Now()
	e := &Escrow{
		ID:          id,
		Variant:     p.Variant,
		Depositor:   p.Depositor,
		Beneficiary: p.Beneficiary,
		Amount:      p.Amount,
		Timeout:     p.Timeout,
		State:       StateInit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Variant == VariantMultiSig {
		e.Arbiter = p.Arbiter
		e.Votes.Votes = make(map[Role]Vote, 3)
		e.Dispute.State = DisputeNone
	}
	return e, nil
}

func (g *Engine) validate(p Params) error {
	if !p.Variant.Valid() {
		return failf(ErrParameter, "", "unknown variant %q", p.Variant)
	}
	parties := []Principal{p.Depositor, p.Beneficiary}
	if p.Variant == VariantMultiSig {
		parties = append(parties, p.Arbiter)
	}
	for _, party := range parties {
		if _, err := ParsePrincipal(string(party)); err != nil {
			return failf(ErrInvalidAddress, "", "invalid principal %q", party)
		}
	}
	for i := range parties {
		for j := i + 1; j < len(parties); j++ {
			if parties[i] == parties[j] {
				return ErrSameParty
			}
		}
	}
	if p.Amount.IsZero() {
		return ErrZeroAmount
	}
	if !g.limits.MaxAmount.IsZero() && p.Amount.Gt(&g.limits.MaxAmount) {
		return ErrAmountTooLarge
	}
	if p.Timeout < g.limits.MinTimeout {
		return failf(ErrTimeoutTooShort, "", "timeout %s below minimum %s", p.Timeout, g.limits.MinTimeout)
	}
	if g.limits.MaxTimeout > 0 && p.Timeout > g.limits.MaxTimeout {
		return failf(ErrTimeoutTooLong, "", "timeout %s above maximum %s", p.Timeout, g.limits.MaxTimeout)
	}
	if p.Timeout <= 0 {
		return ErrTimeoutTooShort
	}
	return nil
}

// step is the body of an operation. It runs on a private copy of the
// instance and either returns a transition or leaves no trace.
type step func(next *Escrow, role Role, now time.Time) (*Transition, error)

// apply authorizes the caller, runs body on a copy and commits the copy into
// e only on success.
func (g *Engine) apply(e *Escrow, op Operation, caller Principal, body step) (*Transition, error) {
	now := g.clock.Now()
	role, err := Authorize(e, op, caller)
	if err != nil {
		return nil, err
	}
	next := e.Clone()
	tr, err := body(next, role, now)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		tr = &Transition{}
	}
	tr.Op = op
	tr.Caller = caller
	tr.Role = role
	tr.From = e.State
	tr.To = next.State
	tr.At = now
	next.UpdatedAt = now
	*e = *next
	return tr, nil
}

// finish moves next into the terminal state to and drains the balance.
func finish(next *Escrow, to State, now time.Time) *Settlement {
	next.State = to
	if next.Variant == VariantMultiSig {
		next.Votes.Votes = make(map[Role]Vote, 3)
		next.Votes.ReleaseCount = 0
		next.Votes.RefundCount = 0
		if next.Dispute.State == DisputePending {
			next.Dispute.State = DisputeResolved
			next.Dispute.Outcome = VoteRefund
			next.Dispute.ResolvedAt = now
		}
	}
	return settle(next)
}

// settle pays out the actual balance, not the nominal amount, and zeroes it.
// Only reachable from a terminal state, and only once per instance since
// every terminal transition requires Funded.
func settle(e *Escrow) *Settlement {
	recipient, role := e.Recipient(e.State)
	s := &Settlement{
		Recipient: recipient,
		Role:      role,
		Amount:    e.Balance,
		State:     e.State,
	}
	e.Balance.Clear()
	return s
}
