package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// Metrics holds timing statistics for transaction operations.
// Uses atomic operations for thread-safe updates without locks.
type Metrics struct {
	BeginCount    atomic.Uint64
	CommitCount   atomic.Uint64
	AbortCount    atomic.Uint64
	ConflictCount atomic.Uint64
	FailureCount  atomic.Uint64

	// Cumulative latencies in nanoseconds
	BeginLatencyNs  atomic.Uint64
	CommitLatencyNs atomic.Uint64
}

// InstrumentedStore wraps any kv.Store implementation with timing metrics.
// This pattern works for the in-memory, Raft-backed and Redis stores alike.
// Samples are also emitted through go-metrics, next to raft's own.
type InstrumentedStore struct {
	store   kv.Store
	metrics *Metrics
}

// Compile-time check to ensure InstrumentedStore implements kv.Store.
var _ kv.Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps a store with instrumentation.
func NewInstrumentedStore(store kv.Store) *InstrumentedStore {
	return &InstrumentedStore{
		store:   store,
		metrics: &Metrics{},
	}
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() kv.Store {
	return s.store
}

// GetOrCreate delegates to the wrapped store.
func (s *InstrumentedStore) GetOrCreate(ctx context.Context, name string) (kv.Collection, error) {
	return s.store.GetOrCreate(ctx, name)
}

// Begin delegates to the wrapped store and records timing.
func (s *InstrumentedStore) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	start := time.Now()
	tx, err := s.store.Begin(ctx, writable)
	elapsed := time.Since(start)

	s.metrics.BeginCount.Add(1)
	s.metrics.BeginLatencyNs.Add(uint64(elapsed.Nanoseconds()))
	metrics.MeasureSince([]string{"cart", "tx", "begin"}, start)

	if err != nil {
		s.metrics.FailureCount.Add(1)
		metrics.IncrCounter([]string{"cart", "tx", "failure"}, 1)
		return nil, err
	}
	return &instrumentedTx{Tx: tx, metrics: s.metrics}, nil
}

type instrumentedTx struct {
	kv.Tx
	metrics *Metrics
}

func (t *instrumentedTx) Unwrap() kv.Tx { return t.Tx }

func (t *instrumentedTx) Commit(ctx context.Context) error {
	start := time.Now()
	err := t.Tx.Commit(ctx)
	elapsed := time.Since(start)

	t.metrics.CommitCount.Add(1)
	t.metrics.CommitLatencyNs.Add(uint64(elapsed.Nanoseconds()))
	metrics.MeasureSince([]string{"cart", "tx", "commit"}, start)

	switch {
	case err == nil:
	case errors.Is(err, kv.ErrConflict):
		t.metrics.ConflictCount.Add(1)
		metrics.IncrCounter([]string{"cart", "tx", "conflict"}, 1)
	case !errors.Is(err, kv.ErrTxDone):
		t.metrics.FailureCount.Add(1)
		metrics.IncrCounter([]string{"cart", "tx", "failure"}, 1)
	}
	return err
}

// Abort counts only aborts that discarded a live writable transaction. The
// deferred Abort after a successful Commit is not one, and neither is the end
// of a read-only transaction.
func (t *instrumentedTx) Abort() error {
	err := t.Tx.Abort()
	if err == nil && t.Writable() {
		t.metrics.AbortCount.Add(1)
		metrics.IncrCounter([]string{"cart", "tx", "abort"}, 1)
	}
	return err
}

// GetMetrics returns a snapshot of current metrics.
func (s *InstrumentedStore) GetMetrics() MetricsSnapshot {
	beginCount := s.metrics.BeginCount.Load()
	commitCount := s.metrics.CommitCount.Load()

	return MetricsSnapshot{
		BeginCount:       beginCount,
		CommitCount:      commitCount,
		AbortCount:       s.metrics.AbortCount.Load(),
		ConflictCount:    s.metrics.ConflictCount.Load(),
		FailureCount:     s.metrics.FailureCount.Load(),
		BeginAvgLatency:  s.avgLatency(s.metrics.BeginLatencyNs.Load(), beginCount),
		CommitAvgLatency: s.avgLatency(s.metrics.CommitLatencyNs.Load(), commitCount),
	}
}

// ResetMetrics clears all metrics counters.
func (s *InstrumentedStore) ResetMetrics() {
	s.metrics.BeginCount.Store(0)
	s.metrics.CommitCount.Store(0)
	s.metrics.AbortCount.Store(0)
	s.metrics.ConflictCount.Store(0)
	s.metrics.FailureCount.Store(0)
	s.metrics.BeginLatencyNs.Store(0)
	s.metrics.CommitLatencyNs.Store(0)
}

func (s *InstrumentedStore) avgLatency(totalNs, count uint64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(totalNs / count)
}

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	BeginCount       uint64
	CommitCount      uint64
	AbortCount       uint64
	ConflictCount    uint64
	FailureCount     uint64
	BeginAvgLatency  time.Duration
	CommitAvgLatency time.Duration
}
