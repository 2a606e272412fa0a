package escrow

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
)

// StatusView summarizes an instance and the actions currently available.
type StatusView struct {
	ID               string       `json:"id"`
	Variant          Variant      `json:"variant"`
	State            State        `json:"state"`
	StateName        string       `json:"stateName"`
	Depositor        Principal    `json:"depositor"`
	Beneficiary      Principal    `json:"beneficiary"`
	Arbiter          Principal    `json:"arbiter,omitempty"`
	Amount           string       `json:"amount"`
	Balance          string       `json:"balance"`
	Deadline         *time.Time   `json:"deadline,omitempty"`
	IsFunded         bool         `json:"isFunded"`
	IsTerminal       bool         `json:"isTerminal"`
	CanRelease       bool         `json:"canRelease"`
	CanRefund        bool         `json:"canRefund"`
	CanForceRefund   bool         `json:"canForceRefund"`
	CanVote          bool         `json:"canVote,omitempty"`
	IsTimeoutExpired bool         `json:"isTimeoutExpired"`
	ReleaseVotes     int          `json:"releaseVotes,omitempty"`
	RefundVotes      int          `json:"refundVotes,omitempty"`
	DisputeState     DisputeState `json:"disputeState,omitempty"`
}

// PartiesView lists the principals bound to an instance.
type PartiesView struct {
	Depositor   Principal `json:"depositor"`
	Beneficiary Principal `json:"beneficiary"`
	Arbiter     Principal `json:"arbiter,omitempty"`
}

// TimelineView exposes the deadline window.
type TimelineView struct {
	FundedAt         *time.Time `json:"fundedAt,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	TimeoutSeconds   int64      `json:"timeoutSeconds"`
	RemainingSeconds int64      `json:"remainingSeconds"`
	IsExpired        bool       `json:"isExpired"`
}

// VotesView exposes the vote ledger of a multisig instance.
type VotesView struct {
	DepositorVote     string          `json:"depositorVote"`
	BeneficiaryVote   string          `json:"beneficiaryVote"`
	ArbiterVote       string          `json:"arbiterVote"`
	ReleaseVotes      int             `json:"releaseVotes"`
	RefundVotes       int             `json:"refundVotes"`
	VotesNeeded       int             `json:"votesNeeded"`
	ConsensusExecuted bool            `json:"consensusExecuted"`
	Dispute           *DisputeSummary `json:"dispute,omitempty"`
}

// DisputeSummary is the read model of a DisputeLedger.
type DisputeSummary struct {
	State      DisputeState `json:"state"`
	RaisedBy   string       `json:"raisedBy,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	OpenedAt   *time.Time   `json:"openedAt,omitempty"`
	Resolver   Principal    `json:"resolver,omitempty"`
	Outcome    string       `json:"outcome,omitempty"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// Check is the answer to "would this operation succeed right now".
type Check struct {
	Op      Operation `json:"op"`
	Allowed bool      `json:"allowed"`
	Code    Code      `json:"code,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Status builds the status view at the engine's current time.
func (g *Engine) Status(e *Escrow) StatusView {
	now := g.clock.Now()
	funded := e.State == StateFunded
	w := e.Window()

	v := StatusView{
		ID:          e.ID,
		Variant:     e.Variant,
		State:       e.State,
		StateName:   e.State.Name(),
		Depositor:   e.Depositor,
		Beneficiary: e.Beneficiary,
		Arbiter:     e.Arbiter,
		Amount:      e.Amount.Dec(),
		Balance:     e.Balance.Dec(),
		Deadline:    optionalTime(e.Deadline),
		IsFunded:    funded,
		IsTerminal:  e.IsTerminal(),
	}
	v.CanForceRefund = funded && w.CanForceRefund(now)
	v.IsTimeoutExpired = !e.Deadline.IsZero() && w.CanForceRefund(now)

	switch e.Variant {
	case VariantSimple:
		v.CanRelease = funded && w.CanRelease(now)
		v.CanRefund = funded
	case VariantMultiSig:
		v.CanVote = funded && !e.Votes.ConsensusExecuted && e.Dispute.State != DisputePending
		v.ReleaseVotes = e.Votes.ReleaseCount
		v.RefundVotes = e.Votes.RefundCount
		v.DisputeState = disputeState(e)
	}
	return v
}

// PartiesOf returns the parties view.
func PartiesOf(e *Escrow) PartiesView {
	return PartiesView{Depositor: e.Depositor, Beneficiary: e.Beneficiary, Arbiter: e.Arbiter}
}

// Timeline builds the timeline view at the engine's current time.
func (g *Engine) Timeline(e *Escrow) TimelineView {
	now := g.clock.Now()
	v := TimelineView{
		FundedAt:       optionalTime(e.FundedAt),
		Deadline:       optionalTime(e.Deadline),
		TimeoutSeconds: int64(e.Timeout / time.Second),
	}
	if !e.Deadline.IsZero() {
		w := e.Window()
		v.IsExpired = w.CanForceRefund(now)
		v.RemainingSeconds = int64(w.Remaining(now) / time.Second)
	}
	return v
}

// VotesOf returns the votes view. Simple instances report no votes.
func VotesOf(e *Escrow) VotesView {
	v := VotesView{
		DepositorVote:     e.Votes.VoteOf(RoleDepositor).String(),
		BeneficiaryVote:   e.Votes.VoteOf(RoleBeneficiary).String(),
		ArbiterVote:       e.Votes.VoteOf(RoleArbiter).String(),
		ReleaseVotes:      e.Votes.ReleaseCount,
		RefundVotes:       e.Votes.RefundCount,
		VotesNeeded:       VotesNeeded,
		ConsensusExecuted: e.Votes.ConsensusExecuted,
	}
	if e.Variant == VariantMultiSig {
		d := e.Dispute
		v.Dispute = &DisputeSummary{
			State:      disputeState(e),
			Reason:     d.Reason,
			OpenedAt:   optionalTime(d.OpenedAt),
			Resolver:   d.Resolver,
			ResolvedAt: optionalTime(d.ResolvedAt),
		}
		if d.RaisedBy != RoleNone {
			v.Dispute.RaisedBy = d.RaisedBy.String()
		}
		if d.Outcome != VoteNone {
			v.Dispute.Outcome = d.Outcome.String()
		}
	}
	return v
}

// CheckOperation reports whether caller could perform op now. It runs the
// real operation against a copy, so the answer always agrees with the
// mutating call made at the same instant.
func (g *Engine) CheckOperation(e *Escrow, op Operation, caller Principal) Check {
	c := e.Clone()
	var err error
	switch op {
	case OpFund:
		_, err = g.Fund(c, caller, c.Amount)
	case OpRelease:
		_, err = g.Release(c, caller)
	case OpRefund:
		_, err = g.Refund(c, caller)
	case OpForceRefund:
		_, err = g.ForceRefund(c, caller)
	case OpVoteRelease:
		_, err = g.VoteRelease(c, caller)
	case OpVoteRefund:
		_, err = g.VoteRefund(c, caller)
	case OpRaiseDispute:
		_, err = g.RaiseDispute(c, caller, "")
	case OpResolveDispute:
		outcome := c.Votes.VoteOf(RoleArbiter)
		if outcome == VoteNone {
			outcome = VoteRefund
		}
		_, err = g.ResolveDispute(c, caller, outcome)
	case OpDirectTransfer:
		err = g.RejectDirectTransfer(c, caller, uint256.Int{})
	default:
		err = fail(ErrUnsupportedOperation, op)
	}
	if err == nil {
		return Check{Op: op, Allowed: true}
	}
	chk := Check{Op: op, Code: CodeOf(err), Reason: err.Error()}
	var ee *Error
	if errors.As(err, &ee) {
		chk.Reason = ee.Msg
	}
	return chk
}

func disputeState(e *Escrow) DisputeState {
	if e.Dispute.State == "" {
		return DisputeNone
	}
	return e.Dispute.State
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
