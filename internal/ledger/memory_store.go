package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/fortiescrow/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries  map[string]*Entry // escrowID/type -> entry
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		accounts: make(map[string]*Account),
	}
}

func entryKey(escrowID string, typ EntryType) string {
	return escrowID + "/" + string(typ)
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey(e.EscrowID, e.Type)
	if _, ok := m.entries[key]; ok {
		return ErrDuplicateEntry
	}

	acct := zeroAccount(e.Principal)
	if existing, ok := m.accounts[e.Principal]; ok {
		cp := *existing
		acct = &cp
	}
	if err := applyToAccount(acct, e); err != nil {
		return err
	}

	cp := *e
	m.entries[key] = &cp
	m.accounts[e.Principal] = acct
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, escrowID string, typ EntryType) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryKey(escrowID, typ)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Account(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.accounts[address]; ok {
		cp := *acct
		return &cp, nil
	}
	return zeroAccount(address), nil
}

func (m *MemoryStore) History(ctx context.Context, address string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Principal != address || !admits(after, e) {
			continue
		}
		cp := *e
		result = append(result, &cp)
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

func (m *MemoryStore) Scan(ctx context.Context, typ EntryType, afterID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Type == typ && e.ID > afterID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &Totals{}
	for _, e := range m.entries {
		if err := t.add(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// add folds e into t.
func (t *Totals) add(e *Entry) error {
	amount, err := ParseAmount(e.Amount)
	if err != nil {
		return err
	}
	switch e.Type {
	case EntryFund:
		t.Funded.Add(&t.Funded, &amount)
		t.Fundings++
	case EntryPayout:
		t.PaidOut.Add(&t.PaidOut, &amount)
		t.Payouts++
	}
	return nil
}

// admits reports whether e sorts after the cursor in newest-first order.
func admits(c *pagination.Cursor, e *Entry) bool {
	if c == nil {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

var _ Store = (*MemoryStore)(nil)
