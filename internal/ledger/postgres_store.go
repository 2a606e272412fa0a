package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/fortiescrow/internal/pagination"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, escrow_id, entry_type, principal, amount::TEXT, created_at`

// Append inserts the entry and moves the account in one transaction.
func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, escrow_id, entry_type, principal, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6)`,
		e.ID, e.EscrowID, string(e.Type), e.Principal, e.Amount, e.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	column := "funded"
	if e.Type == EntryPayout {
		column = "received"
	}
	// column is one of two constants.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (address, `+column+`, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), $3)
		ON CONFLICT (address) DO UPDATE SET
			`+column+` = ledger_accounts.`+column+` + EXCLUDED.`+column+`,
			updated_at = EXCLUDED.updated_at`, // #nosec G202
		e.Principal, e.Amount, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger account: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, escrowID string, typ EntryType) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE escrow_id = $1 AND entry_type = $2`, escrowID, string(typ))

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) Account(ctx context.Context, address string) (*Account, error) {
	acct := &Account{Address: address}
	err := p.db.QueryRowContext(ctx, `
		SELECT funded::TEXT, received::TEXT, updated_at
		FROM ledger_accounts
		WHERE address = $1`, address,
	).Scan(&acct.Funded, &acct.Received, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return zeroAccount(address), nil
	}
	if err != nil {
		return nil, err
	}
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func (p *PostgresStore) History(ctx context.Context, address string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE principal = $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, address, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) Scan(ctx context.Context, typ EntryType, afterID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE entry_type = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, string(typ), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entry_type, COALESCE(SUM(amount), 0)::TEXT, COUNT(*)
		FROM ledger_entries
		GROUP BY entry_type`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	t := &Totals{}
	for rows.Next() {
		var (
			typ, sum string
			count    int
		)
		if err := rows.Scan(&typ, &sum, &count); err != nil {
			return nil, err
		}
		amount, err := ParseAmount(sum)
		if err != nil {
			return nil, err
		}
		switch EntryType(typ) {
		case EntryFund:
			t.Funded, t.Fundings = amount, count
		case EntryPayout:
			t.PaidOut, t.Payouts = amount, count
		}
	}
	return t, rows.Err()
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var typ string
	if err := s.Scan(&e.ID, &e.EscrowID, &typ, &e.Principal, &e.Amount, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
