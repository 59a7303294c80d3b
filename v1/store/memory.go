package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

const defaultSweepInterval = 100 * time.Millisecond

// InMemory is a single-process Store. Transactions are serialised by one
// mutex and watch events are emitted while it is held, so every watcher sees
// a key's changes in commit order.
type InMemory struct {
	mu      sync.Mutex
	machine *Machine
	hub     *Hub

	sweep     time.Duration
	stop      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// MemoryOption configures an InMemory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	sweep  time.Duration
	buffer int
	now    func() time.Time
}

// WithSweepInterval sets how often expired leases are collected.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.sweep = d
	}
}

// WithWatchBuffer sets the per-watcher event buffer.
func WithWatchBuffer(n int) MemoryOption {
	return func(o *memoryOptions) {
		o.buffer = n
	}
}

// WithClock overrides the clock used for lease deadlines.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		o.now = now
	}
}

// NewInMemory returns an InMemory store with a running lease sweeper.
func NewInMemory(opts ...MemoryOption) *InMemory {
	o := memoryOptions{sweep: defaultSweepInterval, buffer: defaultWatchBuffer, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	s := &InMemory{
		machine: NewMachine(),
		hub:     NewHub(o.buffer),
		sweep:   o.sweep,
		stop:    make(chan struct{}),
		now:     o.now,
	}
	go s.sweeper()
	return s
}

func (s *InMemory) sweeper() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ExpireLeases()
		case <-s.stop:
			return
		}
	}
}

// ExpireLeases collects expired leases immediately.
func (s *InMemory) ExpireLeases() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.Notify(s.machine.Expire(s.now()))
}

// Close stops the sweeper and terminates all watchers.
func (s *InMemory) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.hub.Close()
	})
	return nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.machine.Get(key)
	return v, ok, nil
}

// Put implements Store.Put.
func (s *InMemory) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	_, err := s.Txn(ctx, Txn{Then: []Op{PutOp(key, value, opts...)}})
	return err
}

// Delete implements Store.Delete.
func (s *InMemory) Delete(ctx context.Context, key string) error {
	_, err := s.Txn(ctx, Txn{Then: []Op{DeleteOp(key)}})
	return err
}

// Txn implements Store.Txn.
func (s *InMemory) Txn(ctx context.Context, txn Txn) (TxnResponse, error) {
	if err := ctx.Err(); err != nil {
		return TxnResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, events, err := s.machine.Txn(txn)
	if err != nil {
		return TxnResponse{}, err
	}
	s.hub.Notify(events)
	return resp, nil
}

// List implements Store.List.
func (s *InMemory) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.List(prefix), nil
}

// Watch implements Store.Watch.
func (s *InMemory) Watch(ctx context.Context, key string) (<-chan Event, error) {
	return s.hub.Watch(ctx, key)
}

// Grant implements Store.Grant.
func (s *InMemory) Grant(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	if ttl <= 0 {
		return NoLease, fmt.Errorf("grant: ttl must be positive, got %s", ttl)
	}
	if err := ctx.Err(); err != nil {
		return NoLease, err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return NoLease, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Grant(LeaseID(id), ttl, s.now())
	return LeaseID(id), nil
}

// KeepAlive implements Store.KeepAlive.
func (s *InMemory) KeepAlive(ctx context.Context, id LeaseID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// a lease past its deadline is gone even if the sweeper has not run yet
	s.hub.Notify(s.machine.Expire(now))
	return s.machine.KeepAlive(id, now)
}

// Revoke implements Store.Revoke.
func (s *InMemory) Revoke(ctx context.Context, id LeaseID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.Notify(s.machine.Revoke(id))
	return nil
}

var _ Store = (*InMemory)(nil)
