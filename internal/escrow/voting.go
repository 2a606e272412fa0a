package escrow

import "time"

// VoteRelease records the caller's vote to pay the beneficiary.
func (g *Engine) VoteRelease(e *Escrow, caller Principal) (*Transition, error) {
	return g.apply(e, OpVoteRelease, caller, func(next *Escrow, role Role, now time.Time) (*Transition, error) {
		return castVote(next, OpVoteRelease, role, VoteRelease, now)
	})
}

// VoteRefund records the caller's vote to return funds to the depositor.
func (g *Engine) VoteRefund(e *Escrow, caller Principal) (*Transition, error) {
	return g.apply(e, OpVoteRefund, caller, func(next *Escrow, role Role, now time.Time) (*Transition, error) {
		return castVote(next, OpVoteRefund, role, VoteRefund, now)
	})
}

// castVote checks the voting preconditions, then records the vote.
func castVote(next *Escrow, op Operation, role Role, choice Vote, now time.Time) (*Transition, error) {
	if next.Votes.ConsensusExecuted {
		return nil, fail(ErrConsensusExecuted, op)
	}
	if next.State != StateFunded {
		return nil, fail(ErrNotFunded, op)
	}
	if next.Dispute.State == DisputePending {
		return nil, fail(ErrDisputeActive, op)
	}
	return recordVote(next, op, role, choice, now)
}

// recordVote writes the vote, re-derives the tallies from the ledger and
// executes consensus when a side reaches VotesNeeded.
func recordVote(next *Escrow, op Operation, role Role, choice Vote, now time.Time) (*Transition, error) {
	if _, voted := next.Votes.Votes[role]; voted {
		return nil, failf(ErrAlreadyVoted, op, "%s has already voted", role)
	}
	if next.Votes.Votes == nil {
		next.Votes.Votes = make(map[Role]Vote, 3)
	}
	next.Votes.Votes[role] = choice
	switch choice {
	case VoteRelease:
		next.Votes.ReleaseCount++
	case VoteRefund:
		next.Votes.RefundCount++
	}

	if err := next.Votes.verifyTally(op); err != nil {
		return nil, err
	}

	tr := &Transition{Vote: choice}
	release, refund := next.Votes.ReleaseCount >= VotesNeeded, next.Votes.RefundCount >= VotesNeeded
	if release && refund {
		return nil, fail(ErrConsensusConflict, op)
	}
	if !release && !refund {
		return tr, nil
	}

	next.Votes.ConsensusExecuted = true
	to := StateRefunded
	if release {
		to = StateReleased
	}
	tr.Settlement = finish(next, to, now)
	return tr, nil
}

// Recount derives both tallies from the recorded votes.
func (l VoteLedger) Recount() (release, refund int) {
	for _, v := range l.Votes {
		switch v {
		case VoteRelease:
			release++
		case VoteRefund:
			refund++
		}
	}
	return release, refund
}

// verifyTally compares the maintained counters with a full recount.
func (l VoteLedger) verifyTally(op Operation) error {
	release, refund := l.Recount()
	if release != l.ReleaseCount || refund != l.RefundCount {
		return failf(ErrTallyMismatch, op, "counters release=%d refund=%d, recount release=%d refund=%d",
			l.ReleaseCount, l.RefundCount, release, refund)
	}
	return nil
}

// VoteOf returns the vote recorded for role, or VoteNone.
func (l VoteLedger) VoteOf(role Role) Vote {
	return l.Votes[role]
}
