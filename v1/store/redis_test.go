package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/store"
)

// newRedisStore returns a Redis-backed store, the miniredis server behind it
// and a context for testing.
func newRedisStore(t *testing.T) (*store.Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return store.NewRedis(client), mr, ctx
}

func TestRedisTxnBranches(t *testing.T) {
	s, _, ctx := newRedisStore(t)

	resp, err := s.Txn(ctx, store.Txn{
		If:   []store.Compare{store.Absent("c")},
		Then: []store.Op{store.PutOp("c", []byte{1, 0, 0, 0, 0, 0, 0, 0})},
		Else: []store.Op{store.GetOp("c")},
	})
	if err != nil {
		t.Fatalf("txn: %v", err)
	}
	if !resp.Succeeded || len(resp.Results) != 1 {
		t.Fatalf("expected then branch, got %+v", resp)
	}

	resp, err = s.Txn(ctx, store.Txn{
		If:   []store.Compare{store.Absent("c")},
		Then: []store.Op{store.PutOp("c", []byte("x"))},
		Else: []store.Op{store.GetOp("c"), store.GetOp("missing")},
	})
	if err != nil {
		t.Fatalf("txn: %v", err)
	}
	if resp.Succeeded {
		t.Fatal("expected else branch")
	}
	if got := resp.Results[0].Value; len(got) != 8 || got[0] != 1 {
		t.Fatalf("unexpected counter read %v", got)
	}
	if resp.Results[1].Found {
		t.Fatal("expected missing key not found")
	}

	resp, err = s.Txn(ctx, store.Txn{
		If:   []store.Compare{store.Equal("c", []byte{1, 0, 0, 0, 0, 0, 0, 0}), store.Present("c")},
		Then: []store.Op{store.DeleteOp("c")},
	})
	if err != nil || !resp.Succeeded || !resp.Results[0].Found {
		t.Fatalf("expected guarded delete, got %+v %v", resp, err)
	}
	if _, ok, _ := s.Get(ctx, "c"); ok {
		t.Fatal("expected key deleted")
	}
}

func TestRedisEmptyValueIsPresent(t *testing.T) {
	s, _, ctx := newRedisStore(t)
	if err := s.Put(ctx, "k", []byte{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	resp, err := s.Txn(ctx, store.Txn{If: []store.Compare{store.Absent("k")}})
	if err != nil {
		t.Fatalf("txn: %v", err)
	}
	if resp.Succeeded {
		t.Fatal("empty value must not be absent")
	}
	resp, _ = s.Txn(ctx, store.Txn{If: []store.Compare{store.Equal("k", nil)}})
	if !resp.Succeeded {
		t.Fatal("expected empty value to equal nil")
	}
}

func TestRedisWatchPutDelete(t *testing.T) {
	s, _, ctx := newRedisStore(t)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.Watch(wctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, want := range []store.EventType{store.EventPut, store.EventDelete} {
		select {
		case ev := <-ch:
			if ev.Type != want || ev.Key != "k" {
				t.Fatalf("expected %s, got %+v", want, ev)
			}
			if want == store.EventPut && string(ev.Value) != "v" {
				t.Fatalf("unexpected value %q", ev.Value)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestRedisLeaseRevokePublishesDeletes(t *testing.T) {
	s, _, ctx := newRedisStore(t)
	id, err := s.Grant(ctx, time.Minute)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := s.Put(ctx, "owned", []byte("x"), store.WithLease(id)); err != nil {
		t.Fatalf("put: %v", err)
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.Watch(wctx, "owned")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := s.KeepAlive(ctx, id); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if err := s.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != store.EventDelete {
			t.Fatalf("expected delete, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for revoke event")
	}
	if err := s.KeepAlive(ctx, id); !errors.Is(err, fairerrors.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
}

func TestRedisLeaseExpiry(t *testing.T) {
	s, mr, ctx := newRedisStore(t)
	id, err := s.Grant(ctx, time.Second)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := s.Put(ctx, "owned", []byte("x"), store.WithLease(id)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "plain", []byte("y")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mr.Exists("fairlock:lease:bind:owned") {
		t.Fatal("expected a binding for the leased key")
	}
	mr.FastForward(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "owned"); ok {
		t.Fatal("expected leased key to expire")
	}
	if mr.Exists("fairlock:lease:bind:owned") {
		t.Fatal("binding outlived its lease")
	}
	if _, ok, _ := s.Get(ctx, "plain"); !ok {
		t.Fatal("expected plain key to survive")
	}
	if err := s.Put(ctx, "late", []byte("z"), store.WithLease(id)); !errors.Is(err, fairerrors.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
}

func TestRedisRevokeSkipsReboundKeys(t *testing.T) {
	s, _, ctx := newRedisStore(t)
	a, _ := s.Grant(ctx, time.Minute)
	b, _ := s.Grant(ctx, time.Minute)
	_ = s.Put(ctx, "k", []byte("1"), store.WithLease(a))
	_ = s.Put(ctx, "k", []byte("2"), store.WithLease(b))
	if err := s.Revoke(ctx, a); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || string(v) != "2" {
		t.Fatalf("expected k=2 to survive, got %q %v", v, ok)
	}
}

func TestRedisKeepAlivePrunesStaleMembers(t *testing.T) {
	s, mr, ctx := newRedisStore(t)
	a, _ := s.Grant(ctx, time.Minute)
	b, _ := s.Grant(ctx, time.Minute)
	_ = s.Put(ctx, "gone", []byte("1"), store.WithLease(a))
	_ = s.Put(ctx, "moved", []byte("1"), store.WithLease(a))
	_ = s.Put(ctx, "kept", []byte("1"), store.WithLease(a))
	_ = s.Delete(ctx, "gone")
	_ = s.Put(ctx, "moved", []byte("2"), store.WithLease(b))

	mr.FastForward(30 * time.Second)
	if err := s.KeepAlive(ctx, a); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	members, err := mr.Members("fairlock:lease:" + string(a) + ":keys")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "kept" {
		t.Fatalf("expected only kept attached to the lease, got %v", members)
	}
	if ttl := mr.TTL("kept"); ttl <= 30*time.Second {
		t.Fatalf("expected kept to be refreshed, ttl %s", ttl)
	}
	if ttl := mr.TTL("moved"); ttl > 30*time.Second {
		t.Fatalf("rebound key refreshed by the old lease, ttl %s", ttl)
	}
}

func TestRedisList(t *testing.T) {
	s, _, ctx := newRedisStore(t)
	_ = s.Put(ctx, "job.next", []byte("a"))
	_ = s.Put(ctx, "job.blocked.3", []byte("waiting"))
	_ = s.Put(ctx, "other.next", []byte("b"))
	kvs, err := s.List(ctx, "job.")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kvs) != 2 || kvs[0].Key != "job.blocked.3" || kvs[1].Key != "job.next" {
		t.Fatalf("unexpected list %+v", kvs)
	}
}

func TestRedisClosedClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedis(client)
	_ = client.Close()
	if _, _, err := s.Get(context.Background(), "k"); !errors.Is(err, fairerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
