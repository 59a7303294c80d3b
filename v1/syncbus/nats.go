package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. One NATS subscription is kept
// per lock and fanned out to local subscribers.
type NATSBus struct {
	conn      *nats.Conn
	subs      *subscribers
	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		subs:     newSubscribers(),
		natsSubs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, n Notice) error {
	data, err := n.Encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Topic(n.Lock), data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning.
func (b *NATSBus) Subscribe(ctx context.Context, lock string) (<-chan Notice, error) {
	b.mu.Lock()
	if _, ok := b.natsSubs[lock]; !ok {
		ns, err := b.conn.Subscribe(Topic(lock), func(msg *nats.Msg) {
			n, err := DecodeNotice(msg.Data)
			if err != nil {
				slog.Warn("fairlock: dropping malformed notice", "subject", msg.Subject, "error", err)
				return
			}
			b.subs.deliver(n)
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		b.natsSubs[lock] = ns
	}
	ch, _ := b.subs.add(lock)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(lock, ch)
	if !found || !last {
		return nil
	}
	ns := b.natsSubs[lock]
	delete(b.natsSubs, lock)
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
