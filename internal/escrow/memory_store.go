package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateEscrow is returned by Create when the ID already exists.
var ErrDuplicateEscrow = errors.New("escrow already exists")

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrDuplicateEscrow
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party Principal, after *Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.RoleOf(party) == RoleNone || !after.admits(e) {
			continue
		}
		result = append(result, e.Clone())
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State == StateFunded && e.Window().CanForceRefund(now) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(list []*Escrow) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
