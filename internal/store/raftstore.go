package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// RaftStore is a kv.Store whose commits are replicated through Raft.
// It is also the raft.FSM: every replica applies the same batches with the
// same validation, so a conflict is rejected everywhere or nowhere.
type RaftStore struct {
	mu  sync.RWMutex
	cur *state

	raft         *raft.Raft
	applyTimeout time.Duration
	logger       *slog.Logger
}

// Compile-time checks.
var (
	_ kv.Store = (*RaftStore)(nil)
	_ raft.FSM = (*RaftStore)(nil)
)

// NewRaftStore creates the state machine. Attach must be called with the raft
// instance built around it before transactions are started.
func NewRaftStore(applyTimeout time.Duration, logger *slog.Logger) *RaftStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RaftStore{
		cur:          newState(),
		applyTimeout: applyTimeout,
		logger:       logger,
	}
}

// Attach sets the raft instance that replicates this store.
func (rs *RaftStore) Attach(r *raft.Raft) {
	rs.raft = r
}

// GetRaft returns the underlying raft.Raft pointer (for API layer leader checks)
func (rs *RaftStore) GetRaft() *raft.Raft {
	return rs.raft
}

func (rs *RaftStore) snapshot() *state {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return rs.cur
}

// GetOrCreate returns the named collection, replicating its creation if the
// local state does not know it yet.
func (rs *RaftStore) GetOrCreate(ctx context.Context, name string) (kv.Collection, error) {
	exists := func() (bool, error) {
		if err := rs.linearize(ctx); err != nil {
			return false, err
		}
		return rs.snapshot().has(name), nil
	}
	return getOrCreate(ctx, exists, rs, name)
}

// Begin starts a transaction on the leader. Reads are linearizable: the
// snapshot includes every entry committed before Begin was called.
func (rs *RaftStore) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rs.linearize(ctx); err != nil {
		return nil, err
	}
	return newTxn(writable, stateReader{st: rs.snapshot()}, rs), nil
}

// linearize confirms leadership and waits for the local FSM to catch up with
// the commit index observed on entry.
func (rs *RaftStore) linearize(ctx context.Context) error {
	r := rs.raft
	if r == nil {
		return fmt.Errorf("%w: raft not started", kv.ErrUnavailable)
	}
	if r.State() != raft.Leader {
		return rs.notLeader()
	}

	readIndex := r.CommitIndex()
	if err := r.VerifyLeader().Error(); err != nil {
		return rs.raftErr(err)
	}
	if r.AppliedIndex() < readIndex {
		if err := r.Barrier(rs.timeout(ctx)).Error(); err != nil {
			return rs.raftErr(err)
		}
	}
	return nil
}

func (rs *RaftStore) commit(ctx context.Context, b *Batch) error {
	r := rs.raft
	if r == nil {
		return fmt.Errorf("%w: raft not started", kv.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f := r.Apply(MarshalBatch(b), rs.timeout(ctx))
	if err := f.Error(); err != nil {
		return fmt.Errorf("%w: %w", kv.ErrCommitFailed, rs.raftErr(err))
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

func (rs *RaftStore) timeout(ctx context.Context) time.Duration {
	timeout := rs.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout || timeout == 0 {
			timeout = d
		}
	}
	return timeout
}

func (rs *RaftStore) raftErr(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return rs.notLeader()
	case errors.Is(err, raft.ErrRaftShutdown), errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}
	return err
}

func (rs *RaftStore) notLeader() error {
	addr, id := rs.raft.LeaderWithID()
	return &kv.NotLeaderError{LeaderID: string(id), LeaderAddr: string(addr)}
}

// Apply applies a Raft log entry to the local store.
// The returned error, if any, becomes the apply future's response.
func (rs *RaftStore) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}
	b, err := UnmarshalBatch(log.Data)
	if err != nil {
		rs.logger.Error("raft: undecodable log entry", slog.Uint64("index", log.Index), slog.Any("err", err))
		return fmt.Errorf("%w: %w", kv.ErrCommitFailed, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	next, err := rs.cur.apply(b)
	if err != nil {
		rs.logger.Debug("raft: batch rejected", slog.String("tx", b.TxID), slog.Uint64("index", log.Index), slog.Any("err", err))
		return err
	}
	rs.cur = next
	return nil
}

// Snapshot captures the current state. The state is immutable, so Persist can
// run concurrently with further Apply calls.
func (rs *RaftStore) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{st: rs.snapshot()}, nil
}

// Restore replaces the local state with a snapshot written by Persist.
func (rs *RaftStore) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	st, err := unmarshalState(data)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	rs.cur = st
	rs.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	st *state
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(marshalState(s.st)); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
