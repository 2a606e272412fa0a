package escrow

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// record is the serialized form of an Escrow, shared by the JSON-based
// stores. Amounts are decimal strings.
type record struct {
	ID                string            `json:"id"`
	Variant           Variant           `json:"variant"`
	Depositor         Principal         `json:"depositor"`
	Beneficiary       Principal         `json:"beneficiary"`
	Arbiter           Principal         `json:"arbiter,omitempty"`
	Amount            string            `json:"amount"`
	TimeoutNanos      int64             `json:"timeoutNanos"`
	State             State             `json:"state"`
	FundedAt          *time.Time        `json:"fundedAt,omitempty"`
	Deadline          *time.Time        `json:"deadline,omitempty"`
	Balance           string            `json:"balance"`
	Votes             map[string]string `json:"votes,omitempty"` // role -> vote
	ReleaseCount      int               `json:"releaseCount"`
	RefundCount       int               `json:"refundCount"`
	ConsensusExecuted bool              `json:"consensusExecuted"`
	Dispute           disputeRecord     `json:"dispute"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type disputeRecord struct {
	State      DisputeState `json:"state,omitempty"`
	RaisedBy   string       `json:"raisedBy,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	OpenedAt   *time.Time   `json:"openedAt,omitempty"`
	Resolver   Principal    `json:"resolver,omitempty"`
	Outcome    string       `json:"outcome,omitempty"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

func toRecord(e *Escrow) record {
	r := record{
		ID:                e.ID,
		Variant:           e.Variant,
		Depositor:         e.Depositor,
		Beneficiary:       e.Beneficiary,
		Arbiter:           e.Arbiter,
		Amount:            e.Amount.Dec(),
		TimeoutNanos:      int64(e.Timeout),
		State:             e.State,
		FundedAt:          optionalTime(e.FundedAt),
		Deadline:          optionalTime(e.Deadline),
		Balance:           e.Balance.Dec(),
		Votes:             encodeVotes(e.Votes.Votes),
		ReleaseCount:      e.Votes.ReleaseCount,
		RefundCount:       e.Votes.RefundCount,
		ConsensusExecuted: e.Votes.ConsensusExecuted,
		Dispute: disputeRecord{
			State:      e.Dispute.State,
			Reason:     e.Dispute.Reason,
			OpenedAt:   optionalTime(e.Dispute.OpenedAt),
			Resolver:   e.Dispute.Resolver,
			ResolvedAt: optionalTime(e.Dispute.ResolvedAt),
		},
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.Dispute.RaisedBy != RoleNone {
		r.Dispute.RaisedBy = e.Dispute.RaisedBy.String()
	}
	if e.Dispute.Outcome != VoteNone {
		r.Dispute.Outcome = e.Dispute.Outcome.String()
	}
	return r
}

func (r record) escrow() (*Escrow, error) {
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: bad amount %q: %w", r.ID, r.Amount, err)
	}
	balance, err := uint256.FromDecimal(r.Balance)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: bad balance %q: %w", r.ID, r.Balance, err)
	}
	e := &Escrow{
		ID:          r.ID,
		Variant:     r.Variant,
		Depositor:   r.Depositor,
		Beneficiary: r.Beneficiary,
		Arbiter:     r.Arbiter,
		Amount:      *amount,
		Timeout:     time.Duration(r.TimeoutNanos),
		State:       r.State,
		FundedAt:    derefTime(r.FundedAt),
		Deadline:    derefTime(r.Deadline),
		Balance:     *balance,
		Votes: VoteLedger{
			Votes:             decodeVotes(r.Votes),
			ReleaseCount:      r.ReleaseCount,
			RefundCount:       r.RefundCount,
			ConsensusExecuted: r.ConsensusExecuted,
		},
		Dispute: DisputeLedger{
			State:      r.Dispute.State,
			RaisedBy:   ParseRole(r.Dispute.RaisedBy),
			Reason:     r.Dispute.Reason,
			OpenedAt:   derefTime(r.Dispute.OpenedAt),
			Resolver:   r.Dispute.Resolver,
			Outcome:    ParseVote(r.Dispute.Outcome),
			ResolvedAt: derefTime(r.Dispute.ResolvedAt),
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if e.Variant == VariantSimple {
		e.Votes.Votes = nil
	}
	return e, nil
}

func encodeVotes(votes map[Role]Vote) map[string]string {
	if len(votes) == 0 {
		return nil
	}
	out := make(map[string]string, len(votes))
	for role, v := range votes {
		out[role.String()] = v.String()
	}
	return out
}

func decodeVotes(votes map[string]string) map[Role]Vote {
	out := make(map[Role]Vote, len(votes))
	for role, v := range votes {
		out[ParseRole(role)] = ParseVote(v)
	}
	return out
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
