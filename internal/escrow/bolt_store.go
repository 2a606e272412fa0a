package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	escrowBucket     = []byte("escrows")
	partyIndexBucket = []byte("escrows_by_party")
)

// BoltStore persists escrows in an embedded BoltDB file, for single-node
// deployments without Postgres.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (or creates) the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open escrow bolt db: %w", err)
	}
	return NewBoltStore(db)
}

// NewBoltStore wraps an open database, creating buckets as needed.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{escrowBucket, partyIndexBucket} {
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

// DB exposes the database so other stores can share the file.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Create(ctx context.Context, e *Escrow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("marshal escrow: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(escrowBucket)
		if b.Get([]byte(e.ID)) != nil {
			return ErrDuplicateEscrow
		}
		if err := b.Put([]byte(e.ID), payload); err != nil {
			return err
		}
		idx := tx.Bucket(partyIndexBucket)
		for _, party := range e.Parties() {
			if err := idx.Put(partyKey(party, e.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *Escrow
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = loadEscrow(tx.Bucket(escrowBucket), id)
		return err
	})
	return e, err
}

func (s *BoltStore) Update(ctx context.Context, e *Escrow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("marshal escrow: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(escrowBucket)
		if b.Get([]byte(e.ID)) == nil {
			return ErrEscrowNotFound
		}
		return b.Put([]byte(e.ID), payload)
	})
}

func (s *BoltStore) ListByParty(ctx context.Context, party Principal, after *Cursor, limit int) ([]*Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []*Escrow
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(escrowBucket)
		prefix := partyKey(party, "")
		c := tx.Bucket(partyIndexBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			e, err := loadEscrow(b, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			if after.admits(e) {
				result = append(result, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *BoltStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []*Escrow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(escrowBucket).ForEach(func(k, v []byte) error {
			e, err := decodeEscrow(v)
			if err != nil {
				return err
			}
			if e.State == StateFunded && e.Window().CanForceRefund(now) {
				result = append(result, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func loadEscrow(b *bbolt.Bucket, id string) (*Escrow, error) {
	payload := b.Get([]byte(id))
	if payload == nil {
		return nil, ErrEscrowNotFound
	}
	return decodeEscrow(payload)
}

func decodeEscrow(payload []byte) (*Escrow, error) {
	var r record
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal escrow: %w", err)
	}
	return r.escrow()
}

func partyKey(party Principal, id string) []byte {
	return []byte(string(party) + "/" + id)
}

var _ Store = (*BoltStore)(nil)
