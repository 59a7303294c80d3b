package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/mirkobrombin/go-fairlock/v1/store"
)

type opCode string

const (
	opTxn       opCode = "txn"
	opList      opCode = "list"
	opGrant     opCode = "grant"
	opKeepAlive opCode = "keepalive"
	opRevoke    opCode = "revoke"
	opExpire    opCode = "expire"
)

// command is the replicated log entry. Time-dependent operations carry the
// proposer's clock so every replica computes the same lease deadlines.
type command struct {
	Op     opCode        `json:"op"`
	Txn    *store.Txn    `json:"txn,omitempty"`
	Prefix string        `json:"prefix,omitempty"`
	Lease  store.LeaseID `json:"lease,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty"`
	Now    time.Time     `json:"now"`
}

type applyResult struct {
	Resp store.TxnResponse
	List []store.KeyValue
	Err  error
}

// FSM applies commands to a store.Machine and notifies local watchers.
type FSM struct {
	mu      sync.RWMutex
	machine *store.Machine
	hub     *store.Hub
}

// NewFSM returns an empty FSM publishing to hub.
func NewFSM(hub *store.Hub) *FSM {
	return &FSM{machine: store.NewMachine(), hub: hub}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("decode command: %w", err)}
	}
	f.mu.Lock()
	res, events := f.apply(cmd)
	f.mu.Unlock()
	f.hub.Notify(events)
	return res
}

func (f *FSM) apply(cmd command) (applyResult, []store.Event) {
	switch cmd.Op {
	case opTxn:
		if cmd.Txn == nil {
			return applyResult{Err: fmt.Errorf("txn command without body")}, nil
		}
		resp, events, err := f.machine.Txn(*cmd.Txn)
		return applyResult{Resp: resp, Err: err}, events
	case opList:
		return applyResult{List: f.machine.List(cmd.Prefix)}, nil
	case opGrant:
		f.machine.Grant(cmd.Lease, cmd.TTL, cmd.Now)
		return applyResult{}, nil
	case opKeepAlive:
		events := f.machine.Expire(cmd.Now)
		return applyResult{Err: f.machine.KeepAlive(cmd.Lease, cmd.Now)}, events
	case opRevoke:
		return applyResult{}, f.machine.Revoke(cmd.Lease)
	case opExpire:
		return applyResult{}, f.machine.Expire(cmd.Now)
	default:
		return applyResult{Err: fmt.Errorf("unknown command %q", cmd.Op)}, nil
	}
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := json.Marshal(f.machine)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()
	m := store.NewMachine()
	if err := json.NewDecoder(snapshot).Decode(m); err != nil {
		return err
	}
	f.mu.Lock()
	f.machine = m
	f.mu.Unlock()
	return nil
}

// Len returns the number of keys in the local replica.
func (f *FSM) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.machine.Len()
}

func (f *FSM) hasLeases() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.machine.Leases() > 0
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
