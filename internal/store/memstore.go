package store

import (
	"context"
	"sync"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// MemStore is an in-memory implementation of the kv.Store interface.
// The current state is an immutable value swapped under a RWMutex, so readers
// take a snapshot in O(1) and commits are serialized.
type MemStore struct {
	mu  sync.RWMutex
	cur *state
}

// Compile-time check to ensure MemStore implements kv.Store.
var _ kv.Store = (*MemStore)(nil)

// NewMemStore creates and returns a new MemStore instance.
func NewMemStore() *MemStore {
	return &MemStore{
		cur: newState(),
	}
}

func (s *MemStore) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cur
}

// GetOrCreate returns the named collection, creating it on first use.
func (s *MemStore) GetOrCreate(ctx context.Context, name string) (kv.Collection, error) {
	exists := func() (bool, error) { return s.snapshot().has(name), nil }
	return getOrCreate(ctx, exists, s, name)
}

// Begin starts a transaction reading from the current snapshot.
func (s *MemStore) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newTxn(writable, stateReader{st: s.snapshot()}, s), nil
}

func (s *MemStore) commit(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next, err := s.cur.apply(b)
	if err != nil {
		return err
	}
	s.cur = next
	return nil
}
