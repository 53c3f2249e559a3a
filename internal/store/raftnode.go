package store

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftOptions configures a raft node hosting a RaftStore.
type RaftOptions struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// Peers is the initial cluster configuration used when bootstrapping.
	// An empty list bootstraps a single-node cluster.
	Peers  []raft.Server
	Logger hclog.Logger
}

// RaftNode owns the raft instance and the on-disk stores behind it.
type RaftNode struct {
	Raft *raft.Raft

	boltStore *raftboltdb.BoltStore
	transport *raft.NetworkTransport
}

// StartRaft opens the log, stable and snapshot stores under opts.DataDir,
// starts raft with fsm as the state machine and attaches it.
func StartRaft(opts RaftOptions, fsm *RaftStore) (*RaftNode, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.New(&hclog.LoggerOptions{Name: "raft", Level: hclog.Info})
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)
	cfg.Logger = opts.Logger

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(opts.DataDir, 2, opts.Logger)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	advertise, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("resolve raft addr: %w", err)
	}
	transport, err := raft.NewTCPTransportWithLogger(opts.BindAddr, advertise, 3, 10*time.Second, opts.Logger)
	if err != nil {
		boltStore.Close()
		return nil, fmt.Errorf("raft transport: %w", err)
	}

	r, err := raft.NewRaft(cfg, fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		transport.Close()
		boltStore.Close()
		return nil, fmt.Errorf("start raft: %w", err)
	}
	fsm.Attach(r)

	if opts.Bootstrap {
		hasState, err := raft.HasExistingState(boltStore, boltStore, snapshots)
		if err != nil {
			return nil, fmt.Errorf("inspect raft state: %w", err)
		}
		if !hasState {
			servers := opts.Peers
			if len(servers) == 0 {
				servers = []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}}
			}
			err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
			if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, fmt.Errorf("bootstrap cluster: %w", err)
			}
		}
	}

	return &RaftNode{Raft: r, boltStore: boltStore, transport: transport}, nil
}

// Shutdown stops raft and closes the stores.
func (n *RaftNode) Shutdown() error {
	err := n.Raft.Shutdown().Error()
	if cerr := n.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := n.boltStore.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
