package escrow

import (
	"fmt"
	"strings"
)

// Invariant is a named property that must hold for every persisted instance.
type Invariant struct {
	Name  string
	Check func(e *Escrow) error
}

// Invariants is the registry checked after every accepted operation.
var Invariants = []Invariant{
	{Name: "funds_safety", Check: checkFundsSafety},
	{Name: "state_consistency", Check: checkStateConsistency},
	{Name: "timeline_consistency", Check: checkTimeline},
	{Name: "vote_tally", Check: checkVoteTally},
	{Name: "vote_mutual_exclusion", Check: checkMutualExclusion},
	{Name: "dispute_consistency", Check: checkDispute},
}

// CheckInvariants runs the registry and returns a fatal error naming every
// violated invariant.
func CheckInvariants(e *Escrow) error {
	var failed []string
	for _, inv := range Invariants {
		if err := inv.Check(e); err != nil {
			failed = append(failed, inv.Name+": "+err.Error())
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return failf(ErrInvariantViolation, "", "%s", strings.Join(failed, "; "))
}

// CheckTransition rejects any move that is not strictly forward, plus any
// move between the two terminal states.
func CheckTransition(from, to State) error {
	if from == to {
		return nil
	}
	if from.IsTerminal() || from.rank() < 0 || to.rank() <= from.rank() {
		return failf(ErrInvariantViolation, "", "illegal transition %s -> %s", from, to)
	}
	return nil
}

// ExitPaths lists the operations that can take a funded instance of variant v
// to a terminal state. ForceRefund is always among them.
func ExitPaths(v Variant) []Operation {
	switch v {
	case VariantSimple:
		return []Operation{OpRelease, OpRefund, OpForceRefund}
	case VariantMultiSig:
		return []Operation{OpVoteRelease, OpVoteRefund, OpResolveDispute, OpForceRefund}
	default:
		return nil
	}
}

func checkFundsSafety(e *Escrow) error {
	switch e.State {
	case StateInit:
		if !e.Balance.IsZero() {
			return fmt.Errorf("balance %s before funding", e.Balance.Dec())
		}
	case StateFunded:
		if !e.Balance.Eq(&e.Amount) {
			return fmt.Errorf("balance %s != amount %s while funded", e.Balance.Dec(), e.Amount.Dec())
		}
	case StateReleased, StateRefunded:
		if !e.Balance.IsZero() {
			return fmt.Errorf("balance %s left after settlement", e.Balance.Dec())
		}
	}
	return nil
}

func checkStateConsistency(e *Escrow) error {
	if e.State.rank() < 0 {
		return fmt.Errorf("unknown state %q", e.State)
	}
	if !e.Variant.Valid() {
		return fmt.Errorf("unknown variant %q", e.Variant)
	}
	if e.Depositor == e.Beneficiary {
		return fmt.Errorf("depositor equals beneficiary")
	}
	if e.Variant == VariantMultiSig && (e.Arbiter == e.Depositor || e.Arbiter == e.Beneficiary) {
		return fmt.Errorf("arbiter shares a principal with another role")
	}
	if e.Variant == VariantSimple && e.Arbiter != "" {
		return fmt.Errorf("simple escrow has an arbiter")
	}
	return nil
}

func checkTimeline(e *Escrow) error {
	if e.State == StateInit {
		if !e.FundedAt.IsZero() || !e.Deadline.IsZero() {
			return fmt.Errorf("timeline set before funding")
		}
		return nil
	}
	if e.FundedAt.IsZero() || e.Deadline.IsZero() {
		return fmt.Errorf("timeline unset after funding")
	}
	if !e.Deadline.Equal(e.FundedAt.Add(e.Timeout)) {
		return fmt.Errorf("deadline %s != funded_at + timeout", e.Deadline)
	}
	return nil
}

func checkVoteTally(e *Escrow) error {
	release, refund := e.Votes.Recount()
	if release != e.Votes.ReleaseCount || refund != e.Votes.RefundCount {
		return fmt.Errorf("counters %d/%d, recount %d/%d", e.Votes.ReleaseCount, e.Votes.RefundCount, release, refund)
	}
	if e.Variant == VariantSimple && len(e.Votes.Votes) > 0 {
		return fmt.Errorf("simple escrow has votes")
	}
	if e.IsTerminal() && len(e.Votes.Votes) > 0 {
		return fmt.Errorf("vote ledger not cleared in terminal state")
	}
	for role := range e.Votes.Votes {
		if role == RoleNone {
			return fmt.Errorf("vote recorded for unknown role")
		}
	}
	return nil
}

func checkMutualExclusion(e *Escrow) error {
	if e.Votes.ReleaseCount >= VotesNeeded && e.Votes.RefundCount >= VotesNeeded {
		return fmt.Errorf("release and refund both at threshold")
	}
	if e.Votes.ConsensusExecuted && !e.IsTerminal() {
		return fmt.Errorf("consensus executed but state %s", e.State)
	}
	return nil
}

func checkDispute(e *Escrow) error {
	d := e.Dispute
	switch d.State {
	case "", DisputeNone:
		if d.Reason != "" || !d.OpenedAt.IsZero() || d.Resolver != "" || d.Outcome != VoteNone {
			return fmt.Errorf("dispute fields set without a dispute")
		}
	case DisputePending:
		if e.State != StateFunded {
			return fmt.Errorf("dispute pending in state %s", e.State)
		}
		if d.OpenedAt.IsZero() || d.Resolver != "" {
			return fmt.Errorf("pending dispute malformed")
		}
	case DisputeResolved:
		if d.Outcome == VoteNone || d.ResolvedAt.IsZero() {
			return fmt.Errorf("resolved dispute without outcome")
		}
	default:
		return fmt.Errorf("unknown dispute state %q", d.State)
	}
	if e.Variant == VariantSimple && d.State != "" && d.State != DisputeNone {
		return fmt.Errorf("simple escrow has a dispute")
	}
	return nil
}
