package raftstore_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/store"
	"github.com/mirkobrombin/go-fairlock/v1/store/raftstore"
)

func newSingleNode(t *testing.T, cfg raftstore.Config) *raftstore.Store {
	t.Helper()
	cfg.Bootstrap = true
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.ElectionTimeout = 200 * time.Millisecond
	cfg.LogOutput = io.Discard

	node, err := raftstore.NewNode(cfg)
	require.NoError(t, err, "failed to create node")
	require.NoError(t, node.WaitForLeader(5*time.Second), "no leader elected")
	assert.True(t, node.IsLeader(), "single node should be leader")

	st := raftstore.New(node, raftstore.WithReapInterval(20*time.Millisecond))
	t.Cleanup(func() {
		_ = st.Close()
		_ = node.Shutdown()
	})
	return st
}

func TestSingleNodeTxnAndWatch(t *testing.T) {
	st := newSingleNode(t, raftstore.Config{InMemory: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := st.Watch(ctx, "jobs.blocked.1")
	require.NoError(t, err)

	resp, err := st.Txn(ctx, store.Txn{
		If:   []store.Compare{store.Absent("jobs.next")},
		Then: []store.Op{store.PutOp("jobs.next", []byte{2, 0, 0, 0, 0, 0, 0, 0}), store.PutOp("jobs.blocked.1", []byte("waiting"))},
	})
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)

	ev := <-ch
	assert.Equal(t, store.EventPut, ev.Type)
	assert.Equal(t, []byte("waiting"), ev.Value)

	require.NoError(t, st.Delete(ctx, "jobs.blocked.1"))
	ev = <-ch
	assert.Equal(t, store.EventDelete, ev.Type)

	kvs, err := st.List(ctx, "jobs.")
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, "jobs.next", kvs[0].Key)
}

func TestSingleNodeLeaseReaping(t *testing.T) {
	st := newSingleNode(t, raftstore.Config{InMemory: true})
	ctx := context.Background()

	lease, err := st.Grant(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "jobs.owner.0", []byte("s1"), store.WithLease(lease)))

	_, ok, err := st.Get(ctx, "jobs.owner.0")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := st.Get(ctx, "jobs.owner.0")
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond, "owner key should be reaped with its lease")

	require.Error(t, st.KeepAlive(ctx, lease), "expired lease must not renew")
}

func TestSingleNodeBoltPersistence(t *testing.T) {
	st := newSingleNode(t, raftstore.Config{
		NodeID:   "n1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "k", []byte("v")))
	v, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, st.Node().Snapshot())
}

func TestFairLockOverRaft(t *testing.T) {
	st := newSingleNode(t, raftstore.Config{InMemory: true})
	ctx := context.Background()

	m, err := lock.NewMutex("jobs", lock.WithResyncInterval(50*time.Millisecond))
	require.NoError(t, err)

	s1, err := lock.NewSession(ctx, st, lock.WithTTL(5*time.Second))
	require.NoError(t, err)
	defer s1.Close(ctx)
	s2, err := lock.NewSession(ctx, st, lock.WithTTL(5*time.Second))
	require.NoError(t, err)
	defer s2.Close(ctx)

	h1, err := m.Acquire(ctx, s1)
	require.NoError(t, err)
	assert.Equal(t, lock.Ticket(0), h1.Token())

	granted := make(chan *lock.Held, 1)
	go func() {
		h, err := m.Acquire(ctx, s2)
		if err != nil {
			t.Errorf("acquire: %v", err)
			close(granted)
			return
		}
		granted <- h
	}()

	require.Eventually(t, func() bool {
		v, ok, err := st.Get(ctx, m.CounterKey())
		if err != nil || !ok {
			return false
		}
		n, err := lock.DecodeCounter(v)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h1.Release(ctx))
	select {
	case h2 := <-granted:
		require.NotNil(t, h2)
		assert.Equal(t, lock.Ticket(1), h2.Token())
		require.NoError(t, h2.Release(ctx))
	case <-time.After(3 * time.Second):
		t.Fatal("successor was never granted")
	}

	kvs, err := st.List(ctx, m.Prefix())
	require.NoError(t, err)
	assert.Empty(t, kvs)
}
