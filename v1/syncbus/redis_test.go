package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, Notice{Lock: "jobs", Kind: NoticeHandoff, Token: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := recvNotice(t, ch); n.Kind != NoticeHandoff || n.Token != 2 {
		t.Fatalf("unexpected notice %+v", n)
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.pubsubs["jobs"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestRedisBusSharesOneSubscription(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	a, _ := bus.Subscribe(ctx, "jobs")
	b, _ := bus.Subscribe(ctx, "jobs")
	bus.mu.Lock()
	n := len(bus.pubsubs)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one redis subscription, got %d", n)
	}
	_ = bus.Publish(ctx, Notice{Lock: "jobs", Kind: NoticeAcquired})
	recvNotice(t, a)
	recvNotice(t, b)
}

func TestRedisBusClosedClient(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	_ = client.Close()
	if err := bus.Publish(ctx, Notice{Lock: "jobs"}); !errors.Is(err, fairerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
