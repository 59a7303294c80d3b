package raftstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/store"
)

const defaultApplyTimeout = 5 * time.Second

// Config describes a raft node.
type Config struct {
	NodeID    string // defaults to a random UUID
	BindAddr  string // TCP address for raft traffic, ignored when InMemory
	DataDir   string // bolt log and snapshot directory, ignored when InMemory
	Bootstrap bool   // first node of a new cluster

	// InMemory keeps log, stable store and snapshots in memory and uses the
	// in-process transport. Meant for tests and single-process tools.
	InMemory bool

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	LogOutput        io.Writer
}

// Node wraps a raft instance replicating a key space FSM.
type Node struct {
	raft      *raft.Raft
	fsm       *FSM
	hub       *store.Hub
	storage   *storage
	transport raft.Transport
	id        raft.ServerID
}

// NewNode starts a raft node. With Bootstrap set the node forms a cluster of
// one and elects itself.
func NewNode(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = cfg.LogOutput
	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.SnapshotThreshold = 8192
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}
	if raftCfg.LeaderLeaseTimeout > raftCfg.HeartbeatTimeout {
		raftCfg.LeaderLeaseTimeout = raftCfg.HeartbeatTimeout
	}

	var (
		st        *storage
		transport raft.Transport
		err       error
	)
	if cfg.InMemory {
		st = newInmemStorage()
		_, transport = raft.NewInmemTransport("")
	} else {
		st, err = newBoltStorage(cfg.DataDir, cfg.LogOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to create stores: %w", err)
		}
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
		}
		transport, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, cfg.LogOutput)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	hub := store.NewHub(0)
	fsm := NewFSM(hub)
	r, err := raft.NewRaft(raftCfg, fsm, st.logs, st.stable, st.snapshots, transport)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = r.Shutdown().Error()
			_ = st.Close()
			return nil, fmt.Errorf("failed to bootstrap: %w", err)
		}
	}

	return &Node{raft: r, fsm: fsm, hub: hub, storage: st, transport: transport, id: raftCfg.LocalID}, nil
}

// ID returns the raft server ID.
func (n *Node) ID() string { return string(n.id) }

// Addr returns the transport address other nodes reach this node on.
func (n *Node) Addr() string { return string(n.transport.LocalAddr()) }

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader address, or "" when unknown.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until a leader is known or timeout elapses.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return fmt.Errorf("no leader elected within %s", timeout)
		case <-ticker.C:
			if n.Leader() != "" {
				return nil
			}
		}
	}
}

// Join adds a voter to the cluster. Must be called on the leader.
func (n *Node) Join(id, addr string) error {
	if !n.IsLeader() {
		return fairerrors.ErrNotLeader
	}
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error()
}

// Snapshot forces an FSM snapshot.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

func (n *Node) apply(cmd command, timeout time.Duration) (applyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, fmt.Errorf("failed to encode command: %w", err)
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return applyResult{}, fmt.Errorf("%w: %v", fairerrors.ErrNotLeader, err)
		}
		if errors.Is(err, raft.ErrEnqueueTimeout) {
			return applyResult{}, fairerrors.ErrTimeout
		}
		if errors.Is(err, raft.ErrRaftShutdown) {
			return applyResult{}, fairerrors.ErrConnectionClosed
		}
		return applyResult{}, fmt.Errorf("failed to apply command: %w", err)
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return res, res.Err
}

// Shutdown stops raft, closes watchers and releases storage.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	n.hub.Close()
	if cerr := n.storage.Close(); err == nil {
		err = cerr
	}
	return err
}
