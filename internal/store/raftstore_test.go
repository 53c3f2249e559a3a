package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

func testRaftConfig(id string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(id)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond
	cfg.Logger = hclog.NewNullLogger()
	return cfg
}

type testNode struct {
	fsm  *RaftStore
	raft *raft.Raft
}

// newTestCluster starts n in-memory raft nodes and waits for a leader.
func newTestCluster(t *testing.T, n int) []*testNode {
	t.Helper()

	var (
		nodes      []*testNode
		transports []*raft.InmemTransport
		servers    []raft.Server
	)
	for i := 0; i < n; i++ {
		addr, trans := raft.NewInmemTransport("")
		transports = append(transports, trans)
		servers = append(servers, raft.Server{ID: raft.ServerID(fmt.Sprintf("node%d", i)), Address: addr})
	}
	for i, a := range transports {
		for j, b := range transports {
			if i != j {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}

	for i := 0; i < n; i++ {
		fsm := NewRaftStore(2*time.Second, nil)
		logs := raft.NewInmemStore()
		r, err := raft.NewRaft(testRaftConfig(string(servers[i].ID)), fsm, logs, logs, raft.NewInmemSnapshotStore(), transports[i])
		require.NoError(t, err)
		fsm.Attach(r)
		nodes = append(nodes, &testNode{fsm: fsm, raft: r})
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			node.raft.Shutdown().Error()
		}
	})

	require.NoError(t, nodes[0].raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error())
	require.Eventually(t, func() bool { return leaderOf(nodes) != nil }, 5*time.Second, 10*time.Millisecond)
	return nodes
}

func leaderOf(nodes []*testNode) *testNode {
	for _, node := range nodes {
		if node.raft.State() == raft.Leader {
			return node
		}
	}
	return nil
}

func TestRaftStore_SingleNode(t *testing.T) {
	ctx := context.Background()
	node := newTestCluster(t, 1)[0]

	c, err := node.fsm.GetOrCreate(ctx, "cart")
	require.NoError(t, err)

	put(t, node.fsm, c, "Book", "2")
	put(t, node.fsm, c, "Pen", "1")

	err = kv.Update(ctx, node.fsm, func(tx kv.Tx) error {
		_, err := c.Remove(ctx, tx, "Pen")
		return err
	})
	require.NoError(t, err)

	err = kv.View(ctx, node.fsm, func(tx kv.Tx) error {
		entries, err := c.Enumerate(ctx, tx)
		assert.Equal(t, []kv.Entry{{Key: "Book", Value: []byte("2")}}, entries)
		return err
	})
	require.NoError(t, err)
}

func TestRaftStore_ConflictRejectedByFSM(t *testing.T) {
	ctx := context.Background()
	node := newTestCluster(t, 1)[0]

	c, err := node.fsm.GetOrCreate(ctx, "cart")
	require.NoError(t, err)
	put(t, node.fsm, c, "Book", "1")

	tx, err := node.fsm.Begin(ctx, true)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, tx, "Book")
	require.NoError(t, err)
	require.NoError(t, c.Upsert(ctx, tx, "Book", []byte("mine")))

	put(t, node.fsm, c, "Book", "theirs")

	err = tx.Commit(ctx)
	assert.ErrorIs(t, err, kv.ErrConflict)
	assert.ErrorIs(t, err, kv.ErrCommitFailed)

	rec, ok := node.fsm.snapshot().lookup("cart", "Book")
	require.True(t, ok)
	assert.Equal(t, "theirs", string(rec.value))
}

func TestRaftStore_OverlappingRemovals(t *testing.T) {
	testOverlappingRemovals(t, newTestCluster(t, 1)[0].fsm)
}

func TestRaftStore_ReplicatesToFollowers(t *testing.T) {
	ctx := context.Background()
	nodes := newTestCluster(t, 3)
	leader := leaderOf(nodes)
	require.NotNil(t, leader)

	c, err := leader.fsm.GetOrCreate(ctx, "cart")
	require.NoError(t, err)
	put(t, leader.fsm, c, "Book", "2")

	for _, node := range nodes {
		require.Eventually(t, func() bool {
			rec, ok := node.fsm.snapshot().lookup("cart", "Book")
			return ok && string(rec.value) == "2"
		}, 5*time.Second, 10*time.Millisecond)
	}

	for _, node := range nodes {
		if node == leader {
			continue
		}
		_, err := node.fsm.Begin(ctx, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, kv.ErrNotLeader)

		var nl *kv.NotLeaderError
		require.ErrorAs(t, err, &nl)
		_, leaderID := leader.raft.LeaderWithID()
		assert.Equal(t, string(leaderID), nl.LeaderID)
	}
}

func TestRaftStore_NotStarted(t *testing.T) {
	fsm := NewRaftStore(time.Second, nil)

	_, err := fsm.Begin(context.Background(), true)
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}

type memSink struct {
	bytes.Buffer
	canceled bool
}

func (s *memSink) ID() string    { return "test" }
func (s *memSink) Cancel() error { s.canceled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestRaftStore_SnapshotRestore(t *testing.T) {
	src := NewRaftStore(time.Second, nil)
	for i, b := range []*Batch{
		{Creates: []string{"cart"}},
		{Writes: []Write{{Collection: "cart", Key: "Book", Value: []byte("b")}}},
		{Writes: []Write{{Collection: "cart", Key: "Pen", Value: []byte("p")}}},
	} {
		resp := src.Apply(&raft.Log{Index: uint64(i + 1), Type: raft.LogCommand, Data: MarshalBatch(b)})
		require.Nil(t, resp)
	}

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.False(t, sink.canceled)

	dst := NewRaftStore(time.Second, nil)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	want, wantVersion := src.snapshot().scan("cart")
	got, gotVersion := dst.snapshot().scan("cart")
	assert.Equal(t, want, got)
	assert.Equal(t, wantVersion, gotVersion)
	assert.Equal(t, src.snapshot().seq, dst.snapshot().seq)
}

func TestRaftStore_ApplyIgnoresNonCommands(t *testing.T) {
	fsm := NewRaftStore(time.Second, nil)
	assert.Nil(t, fsm.Apply(&raft.Log{Type: raft.LogNoop}))

	resp := fsm.Apply(&raft.Log{Type: raft.LogCommand, Data: []byte{0xff}})
	err, ok := resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, kv.ErrCommitFailed)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestStartRaft_BootstrapsSingleNode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fsm := NewRaftStore(2*time.Second, nil)

	node, err := StartRaft(RaftOptions{
		NodeID:    "node1",
		BindAddr:  freeAddr(t),
		DataDir:   dir,
		Bootstrap: true,
		Logger:    hclog.NewNullLogger(),
	}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	assert.Same(t, node.Raft, fsm.GetRaft())
	require.Eventually(t, func() bool { return node.Raft.State() == raft.Leader }, 10*time.Second, 20*time.Millisecond)

	c, err := fsm.GetOrCreate(ctx, "cart")
	require.NoError(t, err)
	put(t, fsm, c, "Book", "1")

	err = kv.View(ctx, fsm, func(tx kv.Tx) error {
		ok, err := c.ContainsKey(ctx, tx, "Book")
		assert.True(t, ok)
		return err
	})
	require.NoError(t, err)
}
