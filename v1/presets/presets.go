package presets

import (
	"context"
	"fmt"
	"io"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/store"
	"github.com/mirkobrombin/go-fairlock/v1/store/raftstore"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

// Kit bundles a coordination store with the bus lock notices go out on.
type Kit struct {
	Store store.Store
	Bus   syncbus.Bus

	closers []func() error
}

// NewSession opens a session on the kit's store.
func (k *Kit) NewSession(ctx context.Context, opts ...lock.SessionOption) (*lock.Session, error) {
	return lock.NewSession(ctx, k.Store, opts...)
}

// NewMutex returns a lock descriptor publishing notices on the kit's bus.
func (k *Kit) NewMutex(name string, opts ...lock.Option) (*lock.Mutex, error) {
	if k.Bus != nil {
		opts = append([]lock.Option{lock.WithNotifier(k.Bus)}, opts...)
	}
	return lock.NewMutex(name, opts...)
}

// OnClose registers fn to run when the kit is closed.
func (k *Kit) OnClose(fn func() error) {
	k.closers = append(k.closers, fn)
}

// Close releases everything the kit opened, in reverse order.
func (k *Kit) Close() error {
	var first error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	k.closers = nil
	return first
}

// NewInMemoryStandalone creates a kit that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *Kit {
	st := store.NewInMemory()
	return &Kit{Store: st, Bus: syncbus.NewInMemoryBus(), closers: []func() error{st.Close}}
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a kit using one Redis deployment as both the store and
// the notice bus.
func NewRedis(opts RedisOptions) *Kit {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewRedisBus(client)
	return &Kit{
		Store:   store.NewRedis(client),
		Bus:     bus,
		closers: []func() error{client.Close, bus.Close},
	}
}

// RaftOptions configures a single raft node.
type RaftOptions struct {
	NodeID   string
	BindAddr string
	DataDir  string // empty keeps the log in memory
	Timeout  time.Duration
	Logs     io.Writer
}

// NewRaftSingleNode bootstraps a one-node raft cluster and waits for it to
// elect itself. Notices stay in process.
func NewRaftSingleNode(opts RaftOptions) (*Kit, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	node, err := raftstore.NewNode(raftstore.Config{
		NodeID:    opts.NodeID,
		BindAddr:  opts.BindAddr,
		DataDir:   opts.DataDir,
		Bootstrap: true,
		InMemory:  opts.DataDir == "",
		LogOutput: opts.Logs,
	})
	if err != nil {
		return nil, err
	}
	if err := node.WaitForLeader(opts.Timeout); err != nil {
		_ = node.Shutdown()
		return nil, fmt.Errorf("raft single node: %w", err)
	}
	st := raftstore.New(node)
	return &Kit{
		Store:   st,
		Bus:     syncbus.NewInMemoryBus(),
		closers: []func() error{node.Shutdown, st.Close},
	}, nil
}
