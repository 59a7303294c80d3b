package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-fairlock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	client    *redis.Client
	subs      *subscribers
	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    newSubscribers(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fairerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return fairerrors.ErrConnectionClosed
	default:
		return err
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, n Notice) error {
	ctx, span := tracer.Start(ctx, "syncbus.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("lock", n.Lock), attribute.String("kind", string(n.Kind)))

	data, err := n.Encode()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, Topic(n.Lock), data).Err(); err != nil {
		span.RecordError(err)
		return mapRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The Redis subscription is confirmed
// before returning.
func (b *RedisBus) Subscribe(ctx context.Context, lock string) (<-chan Notice, error) {
	b.mu.Lock()
	if _, ok := b.pubsubs[lock]; !ok {
		ps := b.client.Subscribe(context.Background(), Topic(lock))
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.mu.Unlock()
			return nil, mapRedisErr(err)
		}
		b.pubsubs[lock] = ps
		go b.dispatch(ps)
	}
	ch, _ := b.subs.add(lock)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		n, err := DecodeNotice([]byte(msg.Payload))
		if err != nil {
			slog.Warn("fairlock: dropping malformed notice", "channel", msg.Channel, "error", err)
			continue
		}
		b.subs.deliver(n)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(lock, ch)
	if !found || !last {
		return nil
	}
	ps := b.pubsubs[lock]
	delete(b.pubsubs, lock)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for lock, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, lock)
	}
	b.subs.closeAll()
	return nil
}
