package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBuffer = 16

// NoticeKind names a lock lifecycle transition.
type NoticeKind string

const (
	NoticeQueued    NoticeKind = "queued"
	NoticeAcquired  NoticeKind = "acquired"
	NoticeTakeover  NoticeKind = "takeover"
	NoticeReleased  NoticeKind = "released"
	NoticeHandoff   NoticeKind = "handoff"
	NoticeAbandoned NoticeKind = "abandoned"
)

// Notice describes one transition of a lock, as observed by the process that
// performed it. Notices are advisory: the store stays the source of truth.
type Notice struct {
	Lock    string     `json:"lock"`
	Kind    NoticeKind `json:"kind"`
	Token   uint64     `json:"token"`
	Session string     `json:"session,omitempty"`
	At      time.Time  `json:"at"`
}

// Topic returns the subject notices of lock travel on.
func Topic(lock string) string {
	return "fairlock." + lock
}

// Encode marshals the notice for the wire.
func (n Notice) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotice unmarshals a wire notice.
func DecodeNotice(data []byte) (Notice, error) {
	var n Notice
	err := json.Unmarshal(data, &n)
	return n, err
}

// Bus propagates lock notices across processes.
type Bus interface {
	Publish(ctx context.Context, n Notice) error
	Subscribe(ctx context.Context, lock string) (<-chan Notice, error)
	Unsubscribe(ctx context.Context, lock string, ch <-chan Notice) error
}

// Metrics reports bus throughput.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscribers is the per-lock channel registry shared by the bus backends.
// Delivery never blocks: a slow subscriber misses notices.
type subscribers struct {
	mu        sync.Mutex
	subs      map[string][]chan Notice
	delivered atomic.Uint64
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[string][]chan Notice)}
}

// add registers a channel and reports whether it is the first for lock.
func (s *subscribers) add(lock string) (chan Notice, bool) {
	ch := make(chan Notice, subscriberBuffer)
	s.mu.Lock()
	first := len(s.subs[lock]) == 0
	s.subs[lock] = append(s.subs[lock], ch)
	s.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether lock has no subscribers left.
func (s *subscribers) remove(lock string, ch <-chan Notice) (found, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[lock]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(s.subs, lock)
		return found, true
	}
	s.subs[lock] = subs
	return found, false
}

func (s *subscribers) deliver(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[n.Lock] {
		select {
		case ch <- n:
			s.delivered.Add(1)
		default:
		}
	}
}

func (s *subscribers) count(lock string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[lock])
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lock, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subs, lock)
	}
}

// InMemoryBus is a local implementation of Bus mainly for testing and
// single-process deployments.
type InMemoryBus struct {
	subs      *subscribers
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newSubscribers()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.subs.deliver(n)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, lock string) (<-chan Notice, error) {
	ch, _ := b.subs.add(lock)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Notice) error {
	b.subs.remove(lock, ch)
	return nil
}

// Subscribers returns the number of live subscriptions on lock.
func (b *InMemoryBus) Subscribers(lock string) int {
	return b.subs.count(lock)
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
