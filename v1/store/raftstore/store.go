// Package raftstore replicates the coordination key space with hashicorp/raft.
// Every operation, reads included, goes through the raft log, so the store is
// linearizable as long as it is used on the leader. Watches are served from
// the local replica and fire as entries are applied.
package raftstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-fairlock/v1/store"
)

const defaultReapInterval = 100 * time.Millisecond

// Store implements store.Store on top of a raft Node.
type Store struct {
	node    *Node
	timeout time.Duration
	reap    time.Duration
	logger  *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithApplyTimeout bounds how long a command may wait to be committed.
func WithApplyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithReapInterval sets how often the leader expires leases.
func WithReapInterval(d time.Duration) Option {
	return func(s *Store) {
		s.reap = d
	}
}

// WithLogger sets the logger used by the lease reaper.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New returns a Store backed by node and starts its lease reaper.
func New(node *Node, opts ...Option) *Store {
	s := &Store{
		node:    node,
		timeout: defaultApplyTimeout,
		reap:    defaultReapInterval,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.reaper()
	return s
}

// Node returns the underlying raft node.
func (s *Store) Node() *Node { return s.node }

func (s *Store) reaper() {
	defer close(s.done)
	ticker := time.NewTicker(s.reap)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.node.IsLeader() || !s.node.fsm.hasLeases() {
				continue
			}
			if _, err := s.node.apply(command{Op: opExpire, Now: time.Now()}, s.timeout); err != nil {
				s.logger.Warn("fairlock: lease reaper apply failed", "error", err)
			}
		}
	}
}

// Close stops the reaper. The node is left running.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *Store) apply(ctx context.Context, cmd command) (applyResult, error) {
	if err := ctx.Err(); err != nil {
		return applyResult{}, err
	}
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return s.node.apply(cmd, timeout)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.Txn(ctx, store.Txn{Then: []store.Op{store.GetOp(key)}})
	if err != nil {
		return nil, false, err
	}
	r := resp.Results[0]
	return r.Value, r.Found, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...store.PutOption) error {
	_, err := s.Txn(ctx, store.Txn{Then: []store.Op{store.PutOp(key, value, opts...)}})
	return err
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.Txn(ctx, store.Txn{Then: []store.Op{store.DeleteOp(key)}})
	return err
}

// Txn implements store.Store.
func (s *Store) Txn(ctx context.Context, txn store.Txn) (store.TxnResponse, error) {
	res, err := s.apply(ctx, command{Op: opTxn, Txn: &txn, Now: time.Now()})
	if err != nil {
		return store.TxnResponse{}, err
	}
	return res.Resp, nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]store.KeyValue, error) {
	res, err := s.apply(ctx, command{Op: opList, Prefix: prefix, Now: time.Now()})
	if err != nil {
		return nil, err
	}
	return res.List, nil
}

// Watch implements store.Store. Events come from the local replica.
func (s *Store) Watch(ctx context.Context, key string) (<-chan store.Event, error) {
	return s.node.hub.Watch(ctx, key)
}

// Grant implements store.Store.
func (s *Store) Grant(ctx context.Context, ttl time.Duration) (store.LeaseID, error) {
	if ttl <= 0 {
		return store.NoLease, fmt.Errorf("grant: ttl must be positive, got %s", ttl)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return store.NoLease, err
	}
	lease := store.LeaseID(id)
	if _, err := s.apply(ctx, command{Op: opGrant, Lease: lease, TTL: ttl, Now: time.Now()}); err != nil {
		return store.NoLease, err
	}
	return lease, nil
}

// KeepAlive implements store.Store.
func (s *Store) KeepAlive(ctx context.Context, id store.LeaseID) error {
	_, err := s.apply(ctx, command{Op: opKeepAlive, Lease: id, Now: time.Now()})
	return err
}

// Revoke implements store.Store.
func (s *Store) Revoke(ctx context.Context, id store.LeaseID) error {
	_, err := s.apply(ctx, command{Op: opRevoke, Lease: id, Now: time.Now()})
	return err
}

var _ store.Store = (*Store)(nil)
