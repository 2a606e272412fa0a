package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/mbd888/fortiescrow/internal/pagination"
)

var (
	entryBucket   = []byte("ledger_entries")
	accountBucket = []byte("ledger_accounts")
)

// BoltStore keeps the ledger next to the escrow buckets in one bolt file.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore wraps an open database, creating buckets as needed.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{entryBucket, accountBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(entryBucket)
		key := []byte(entryKey(e.EscrowID, e.Type))
		if entries.Get(key) != nil {
			return ErrDuplicateEntry
		}

		accounts := tx.Bucket(accountBucket)
		acct := zeroAccount(e.Principal)
		if raw := accounts.Get([]byte(e.Principal)); raw != nil {
			if err := json.Unmarshal(raw, acct); err != nil {
				return fmt.Errorf("unmarshal account: %w", err)
			}
		}
		if err := applyToAccount(acct, e); err != nil {
			return err
		}
		rawAcct, err := json.Marshal(acct)
		if err != nil {
			return fmt.Errorf("marshal account: %w", err)
		}
		if err := accounts.Put([]byte(e.Principal), rawAcct); err != nil {
			return err
		}
		return entries.Put(key, payload)
	})
}

func (s *BoltStore) Get(ctx context.Context, escrowID string, typ EntryType) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(entryBucket).Get([]byte(entryKey(escrowID, typ)))
		if raw == nil {
			return ErrEntryNotFound
		}
		var err error
		e, err = decodeEntry(raw)
		return err
	})
	return e, err
}

func (s *BoltStore) Account(ctx context.Context, address string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct := zeroAccount(address)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(accountBucket).Get([]byte(address))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, acct)
	})
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

func (s *BoltStore) History(ctx context.Context, address string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	result, err := s.filter(ctx, func(e *Entry) bool {
		return e.Principal == address && admits(after, e)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *BoltStore) Scan(ctx context.Context, typ EntryType, afterID string, limit int) ([]*Entry, error) {
	suffix := []byte("/" + string(typ))
	var result []*Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entryBucket).ForEach(func(k, v []byte) error {
			if !bytes.HasSuffix(k, suffix) {
				return nil
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if e.ID > afterID {
				result = append(result, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *BoltStore) Totals(ctx context.Context) (*Totals, error) {
	all, err := s.filter(ctx, func(*Entry) bool { return true })
	if err != nil {
		return nil, err
	}
	t := &Totals{}
	for _, e := range all {
		if err := t.add(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *BoltStore) filter(ctx context.Context, keep func(*Entry) bool) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []*Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entryBucket).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if keep(e) {
				result = append(result, e)
			}
			return nil
		})
	})
	return result, err
}

func decodeEntry(raw []byte) (*Entry, error) {
	e := &Entry{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, nil
}

var _ Store = (*BoltStore)(nil)
