// Package syncutil provides keyed critical sections.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the lock pool size used when NewKeyedMutex gets n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per key over a fixed pool of channel locks.
// Distinct keys may share a lock; a caller must never hold two keys at once.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a pool of n locks.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}
