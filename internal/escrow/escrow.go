// Package escrow implements a settlement engine that holds a fixed amount for
// a depositor and pays it to exactly one of two recipients.
//
// Two variants share one state machine:
//  1. Simple: the depositor alone releases to the beneficiary or refunds.
//  2. MultiSig: depositor, beneficiary and arbiter vote; two matching votes settle.
//
// In both, anyone may force a refund once the deadline (funding time plus
// timeout) is reached, so funds can never be stranded.
package escrow

import (
	"time"

	"github.com/holiman/uint256"
)

// Variant selects the decision rule fixed at creation.
type Variant string

const (
	VariantSimple   Variant = "simple"
	VariantMultiSig Variant = "multisig"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantSimple || v == VariantMultiSig
}

// State is the lifecycle position of an instance. It only moves forward.
type State string

const (
	StateInit     State = "init"
	StateFunded   State = "funded"
	StateReleased State = "released"
	StateRefunded State = "refunded"
)

// IsTerminal returns true for Released and Refunded.
func (s State) IsTerminal() bool {
	return s == StateReleased || s == StateRefunded
}

// Name returns the display name used in status views.
func (s State) Name() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFunded:
		return "FUNDED"
	case StateReleased:
		return "RELEASED"
	case StateRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

func (s State) rank() int {
	switch s {
	case StateInit:
		return 0
	case StateFunded:
		return 1
	case StateReleased, StateRefunded:
		return 2
	default:
		return -1
	}
}

// Vote is a single principal's choice.
type Vote uint8

const (
	VoteNone Vote = iota
	VoteRelease
	VoteRefund
)

func (v Vote) String() string {
	switch v {
	case VoteRelease:
		return "release"
	case VoteRefund:
		return "refund"
	default:
		return "none"
	}
}

// ParseVote is the inverse of Vote.String.
func ParseVote(s string) Vote {
	switch s {
	case "release":
		return VoteRelease
	case "refund":
		return VoteRefund
	default:
		return VoteNone
	}
}

// VoteLedger records at most one immutable vote per role.
type VoteLedger struct {
	Votes             map[Role]Vote
	ReleaseCount      int
	RefundCount       int
	ConsensusExecuted bool
}

// DisputeState is the dispute lifecycle: None → Pending → Resolved.
type DisputeState string

const (
	DisputeNone     DisputeState = "none"
	DisputePending  DisputeState = "pending"
	DisputeResolved DisputeState = "resolved"
)

// DisputeLedger is the escalation channel of a multisig instance.
type DisputeLedger struct {
	State      DisputeState
	RaisedBy   Role
	Reason     string
	OpenedAt   time.Time
	Resolver   Principal
	Outcome    Vote
	ResolvedAt time.Time
}

// Escrow is one settlement instance. Amount, parties, timeout and variant are
// fixed at creation. FundedAt and Deadline are zero until funding.
type Escrow struct {
	ID          string
	Variant     Variant
	Depositor   Principal
	Beneficiary Principal
	Arbiter     Principal // multisig only
	Amount      uint256.Int
	Timeout     time.Duration
	State       State
	FundedAt    time.Time
	Deadline    time.Time
	Balance     uint256.Int
	Votes       VoteLedger
	Dispute     DisputeLedger
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.State.IsTerminal()
}

// IsFunded reports whether the instance currently holds value.
func (e *Escrow) IsFunded() bool {
	return e.State == StateFunded
}

// Window returns the deadline window. Only meaningful once funded.
func (e *Escrow) Window() DeadlineWindow {
	return DeadlineWindow{FundedAt: e.FundedAt, Deadline: e.Deadline}
}

// Parties returns the principals bound to the instance.
func (e *Escrow) Parties() []Principal {
	if e.Variant == VariantMultiSig {
		return []Principal{e.Depositor, e.Beneficiary, e.Arbiter}
	}
	return []Principal{e.Depositor, e.Beneficiary}
}

// Recipient returns who receives the balance in a terminal state.
func (e *Escrow) Recipient(s State) (Principal, Role) {
	switch s {
	case StateReleased:
		return e.Beneficiary, RoleBeneficiary
	case StateRefunded:
		return e.Depositor, RoleDepositor
	default:
		return "", RoleNone
	}
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	c := *e
	if e.Votes.Votes != nil {
		c.Votes.Votes = make(map[Role]Vote, len(e.Votes.Votes))
		for r, v := range e.Votes.Votes {
			c.Votes.Votes[r] = v
		}
	}
	return &c
}
