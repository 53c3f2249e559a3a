package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCommitFailed is returned by Commit when the transaction could not be made
	// durable. No part of the transaction is visible after this error.
	ErrCommitFailed = errors.New("kv: commit failed")

	// ErrConflict is wrapped together with ErrCommitFailed when a concurrent
	// transaction changed something this transaction read.
	ErrConflict = errors.New("kv: conflicting transaction")

	// ErrNotLeader is returned by replicated stores when this node cannot serve
	// the transaction.
	ErrNotLeader = errors.New("kv: not leader")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("kv: store unavailable")

	ErrTxDone     = errors.New("kv: transaction already committed or aborted")
	ErrTxReadOnly = errors.New("kv: write in read-only transaction")
	ErrInvalidKey = errors.New("kv: empty key")

	// ErrSkipCommit may be returned by an Update callback to abort the
	// transaction without reporting an error to the caller.
	ErrSkipCommit = errors.New("kv: skip commit")
)

// NotLeaderError is returned by replicated stores when a transaction reaches a
// follower. It matches ErrNotLeader with errors.Is.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "kv: not leader and no leader known"
	}
	return fmt.Sprintf("kv: not leader, leader is %s (%s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// Entry is a single key/value pair returned by Enumerate.
type Entry struct {
	Key   string
	Value []byte
}

// Store defines the durable, transactional key-value collection.
// Implementations of this interface can be swapped out,
// allowing for different storage backends (e.g., in-memory, Raft-replicated, Redis).
type Store interface {
	// GetOrCreate returns the named collection, creating it if needed.
	// Repeated calls return the same logical collection.
	GetOrCreate(ctx context.Context, name string) (Collection, error)

	// Begin starts a transaction. The caller must Commit or Abort it.
	Begin(ctx context.Context, writable bool) (Tx, error)
}

// Collection is an ordered mapping from key to value. Every operation runs
// inside the given transaction.
type Collection interface {
	Name() string

	ContainsKey(ctx context.Context, tx Tx, key string) (bool, error)

	// Get returns the value and true if the key exists.
	Get(ctx context.Context, tx Tx, key string) ([]byte, bool, error)

	// Upsert stores value under key, replacing any existing value.
	Upsert(ctx context.Context, tx Tx, key string, value []byte) error

	// Remove deletes key and reports whether it was present.
	Remove(ctx context.Context, tx Tx, key string) (bool, error)

	// Enumerate returns every entry in ascending key order.
	Enumerate(ctx context.Context, tx Tx) ([]Entry, error)
}

// Tx is a scoped unit of store operations that commits atomically or has no effect.
type Tx interface {
	ID() string
	Writable() bool

	// Commit makes the transaction's writes durable and visible.
	Commit(ctx context.Context) error

	// Abort discards the transaction. It returns ErrTxDone if the
	// transaction already finished, so it is safe to defer.
	Abort() error
}

// Update runs fn inside a writable transaction and commits it if fn returns nil.
// The transaction is aborted on every other exit path.
func Update(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.Abort()

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrSkipCommit) {
			return nil
		}
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn inside a read-only transaction which is always aborted afterwards.
func View(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Abort()

	return fn(tx)
}
