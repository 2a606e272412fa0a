package escrow

import "time"

// RaiseDispute opens the dispute channel. While it is pending no principal
// can vote; only the arbiter can close it, through ResolveDispute. A single
// party can use this to freeze voting until the arbiter acts or the deadline
// arrives.
func (g *Engine) RaiseDispute(e *Escrow, caller Principal, reason string) (*Transition, error) {
	return g.apply(e, OpRaiseDispute, caller, func(next *Escrow, role Role, now time.Time) (*Transition, error) {
		if next.State != StateFunded {
			return nil, fail(ErrNotFunded, OpRaiseDispute)
		}
		if next.Dispute.State == DisputePending || next.Dispute.State == DisputeResolved {
			return nil, fail(ErrDisputeExists, OpRaiseDispute)
		}
		next.Dispute = DisputeLedger{
			State:    DisputePending,
			RaisedBy: role,
			Reason:   reason,
			OpenedAt: now,
		}
		return &Transition{}, nil
	})
}

// ResolveDispute closes a pending dispute and casts the arbiter's one vote
// for outcome. The arbiter never settles alone: consensus still needs a
// second matching vote. If the arbiter voted before the dispute was raised,
// outcome must match that vote and nothing new is recorded.
func (g *Engine) ResolveDispute(e *Escrow, caller Principal, outcome Vote) (*Transition, error) {
	return g.apply(e, OpResolveDispute, caller, func(next *Escrow, role Role, now time.Time) (*Transition, error) {
		if outcome != VoteRelease && outcome != VoteRefund {
			return nil, fail(ErrInvalidOutcome, OpResolveDispute)
		}
		if next.Votes.ConsensusExecuted {
			return nil, fail(ErrConsensusExecuted, OpResolveDispute)
		}
		if next.State != StateFunded {
			return nil, fail(ErrNotFunded, OpResolveDispute)
		}
		if next.Dispute.State != DisputePending {
			return nil, fail(ErrDisputeNotPending, OpResolveDispute)
		}

		prior, voted := next.Votes.Votes[role]
		if voted && prior != outcome {
			return nil, failf(ErrAlreadyVoted, OpResolveDispute, "arbiter already voted %s", prior)
		}

		next.Dispute.State = DisputeResolved
		next.Dispute.Resolver = caller
		next.Dispute.Outcome = outcome
		next.Dispute.ResolvedAt = now

		if voted {
			return &Transition{Vote: outcome}, nil
		}
		return recordVote(next, OpResolveDispute, role, outcome, now)
	})
}
