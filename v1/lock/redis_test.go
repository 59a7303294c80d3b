package lock

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

func newRedisLockStore(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return store.NewRedis(client), mr
}

func TestRedisHandoffAndReset(t *testing.T) {
	st, _ := newRedisLockStore(t)
	m := newTestMutex(t, "orders")
	ctx := context.Background()

	h, err := m.Acquire(ctx, newTestSession(t, st))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter := acquireAsync(ctx, m, newTestSession(t, st))
	waitCounter(t, st, m, 2)
	assertPending(t, waiter)

	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	r := recvAcquire(t, waiter)
	if r.err != nil {
		t.Fatalf("acquire: %v", r.err)
	}
	if r.held.Token() != 1 {
		t.Fatalf("expected token 1, got %d", r.held.Token())
	}
	if err := r.held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertIdle(t, st, m)
}

func TestRedisSessionCloseTakeover(t *testing.T) {
	st, _ := newRedisLockStore(t)
	m := newTestMutex(t, "orders")
	ctx := context.Background()

	s1 := newTestSession(t, st)
	if _, err := m.Acquire(ctx, s1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter := acquireAsync(ctx, m, newTestSession(t, st))
	waitCounter(t, st, m, 2)

	if err := s1.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	r := recvAcquire(t, waiter)
	if r.err != nil {
		t.Fatalf("acquire: %v", r.err)
	}
	_ = r.held.Release(ctx)
	assertIdle(t, st, m)
}

func TestRedisLeaseExpiryIsSeenByResync(t *testing.T) {
	st, mr := newRedisLockStore(t)
	m := newTestMutex(t, "orders")
	ctx := context.Background()

	// a session whose keepalives never run within the test
	crashed, err := NewSession(ctx, st, WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(func() { _ = crashed.Close(context.Background()) })
	if _, err := m.Acquire(ctx, crashed); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	patient, err := NewSession(ctx, st, WithTTL(2*time.Hour))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(func() { _ = patient.Close(context.Background()) })
	waiter := acquireAsync(ctx, m, patient)
	waitCounter(t, st, m, 2)
	assertPending(t, waiter)

	mr.FastForward(30 * time.Minute)
	if _, ok, _ := st.Get(ctx, m.OwnerKey(0)); !ok {
		t.Fatal("owner key expired too early")
	}
	mr.FastForward(31 * time.Minute)
	if _, ok, _ := st.Get(ctx, m.OwnerKey(0)); ok {
		t.Fatal("owner key outlived its lease")
	}

	r := recvAcquire(t, waiter)
	if r.err != nil {
		t.Fatalf("acquire after expiry: %v", r.err)
	}
	_ = r.held.Release(ctx)
}

func TestRedisForgedReleaseRejected(t *testing.T) {
	st, _ := newRedisLockStore(t)
	m := newTestMutex(t, "orders")
	ctx := context.Background()

	h, err := m.Acquire(ctx, newTestSession(t, st))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	forged := &Held{m: m, session: newTestSession(t, st), token: 0, state: StateHeld}
	if err := forged.Release(ctx); !errors.Is(err, fairerrors.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
