package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, variant, depositor, beneficiary, arbiter, amount::TEXT, timeout_ns,
		       state, funded_at, deadline, balance::TEXT,
		       votes, release_count, refund_count, consensus_executed,
		       dispute_state, dispute_raised_by, dispute_reason, dispute_opened_at,
		       dispute_resolver, dispute_outcome, dispute_resolved_at,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	r := toRecord(e)
	votes, err := json.Marshal(r.Votes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, variant, depositor, beneficiary, arbiter, amount, timeout_ns,
			state, funded_at, deadline, balance,
			votes, release_count, refund_count, consensus_executed,
			dispute_state, dispute_raised_by, dispute_reason, dispute_opened_at,
			dispute_resolver, dispute_outcome, dispute_resolved_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7,
			$8, $9, $10, $11::NUMERIC(78,0),
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22,
			$23, $24
		)`,
		r.ID, string(r.Variant), string(r.Depositor), string(r.Beneficiary), nullString(string(r.Arbiter)),
		r.Amount, r.TimeoutNanos,
		string(r.State), nullTime(r.FundedAt), nullTime(r.Deadline), r.Balance,
		string(votes), r.ReleaseCount, r.RefundCount, r.ConsensusExecuted,
		nullString(string(r.Dispute.State)), nullString(r.Dispute.RaisedBy), nullString(r.Dispute.Reason), nullTime(r.Dispute.OpenedAt),
		nullString(string(r.Dispute.Resolver)), nullString(r.Dispute.Outcome), nullTime(r.Dispute.ResolvedAt),
		r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes every mutable column. Creation-time fields never change.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	r := toRecord(e)
	votes, err := json.Marshal(r.Votes)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, funded_at = $2, deadline = $3, balance = $4::NUMERIC(78,0),
			votes = $5, release_count = $6, refund_count = $7, consensus_executed = $8,
			dispute_state = $9, dispute_raised_by = $10, dispute_reason = $11, dispute_opened_at = $12,
			dispute_resolver = $13, dispute_outcome = $14, dispute_resolved_at = $15,
			updated_at = $16
		WHERE id = $17`,
		string(r.State), nullTime(r.FundedAt), nullTime(r.Deadline), r.Balance,
		string(votes), r.ReleaseCount, r.RefundCount, r.ConsensusExecuted,
		nullString(string(r.Dispute.State)), nullString(r.Dispute.RaisedBy), nullString(r.Dispute.Reason), nullTime(r.Dispute.OpenedAt),
		nullString(string(r.Dispute.Resolver)), nullString(r.Dispute.Outcome), nullTime(r.Dispute.ResolvedAt),
		r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party Principal, after *Cursor, limit int) ([]*Escrow, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (depositor = $1 OR beneficiary = $1 OR arbiter = $1)
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, string(party), afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = 'funded'
		  AND deadline <= $1
		ORDER BY deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var (
		r                               record
		variant, depositor, beneficiary string
		state                           string
		arbiter                         sql.NullString
		fundedAt, deadline              sql.NullTime
		votes                           []byte
		disputeState, raisedBy, reason  sql.NullString
		resolver, outcome               sql.NullString
		openedAt, resolvedAt            sql.NullTime
	)

	err := s.Scan(
		&r.ID, &variant, &depositor, &beneficiary, &arbiter, &r.Amount, &r.TimeoutNanos,
		&state, &fundedAt, &deadline, &r.Balance,
		&votes, &r.ReleaseCount, &r.RefundCount, &r.ConsensusExecuted,
		&disputeState, &raisedBy, &reason, &openedAt,
		&resolver, &outcome, &resolvedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Variant = Variant(variant)
	r.Depositor = Principal(depositor)
	r.Beneficiary = Principal(beneficiary)
	r.Arbiter = Principal(arbiter.String)
	r.State = State(state)
	r.FundedAt = timePtr(fundedAt)
	r.Deadline = timePtr(deadline)
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &r.Votes); err != nil {
			return nil, err
		}
	}
	r.Dispute = disputeRecord{
		State:      DisputeState(disputeState.String),
		RaisedBy:   raisedBy.String,
		Reason:     reason.String,
		OpenedAt:   timePtr(openedAt),
		Resolver:   Principal(resolver.String),
		Outcome:    outcome.String,
		ResolvedAt: timePtr(resolvedAt),
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r.escrow()
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
