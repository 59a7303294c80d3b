package store

import (
	"context"
	"time"
)

// LeaseID identifies a store lease. The zero value means "no lease".
type LeaseID string

// NoLease is the zero LeaseID.
const NoLease LeaseID = ""

// EventType distinguishes watch events.
type EventType int

const (
	EventPut EventType = iota + 1
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a change observed on a watched key.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// KeyValue is a single entry returned by List.
type KeyValue struct {
	Key   string
	Value []byte
}

// CompareKind selects the predicate evaluated by a Compare.
type CompareKind int

const (
	// CompareEqual holds when the key exists and its value equals Value byte for byte.
	CompareEqual CompareKind = iota
	// CompareAbsent holds when the key does not exist. An existing empty value is not absent.
	CompareAbsent
	// ComparePresent holds when the key exists, whatever its value.
	ComparePresent
)

// Compare is one guard of a transaction.
type Compare struct {
	Key   string
	Kind  CompareKind
	Value []byte
}

// Equal builds a value-equality guard.
func Equal(key string, value []byte) Compare {
	return Compare{Key: key, Kind: CompareEqual, Value: value}
}

// Absent builds a key-absence guard.
func Absent(key string) Compare {
	return Compare{Key: key, Kind: CompareAbsent}
}

// Present builds a key-existence guard.
func Present(key string) Compare {
	return Compare{Key: key, Kind: ComparePresent}
}

// OpKind selects the action of an Op.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpGet
)

// Op is one action of a transaction branch.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
	Lease LeaseID
}

// PutOp writes value at key, optionally bound to a lease.
func PutOp(key string, value []byte, opts ...PutOption) Op {
	o := putOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return Op{Kind: OpPut, Key: key, Value: value, Lease: o.lease}
}

// DeleteOp removes key.
func DeleteOp(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

// GetOp reads key.
func GetOp(key string) Op {
	return Op{Kind: OpGet, Key: key}
}

// Txn is an atomic If/Then/Else transaction. Then runs when every guard holds,
// Else otherwise.
type Txn struct {
	If   []Compare
	Then []Op
	Else []Op
}

// OpResult reports the outcome of a single Op. For gets Found and Value carry
// the read, for deletes Found reports whether the key existed.
type OpResult struct {
	Found bool
	Value []byte
}

// TxnResponse is the outcome of a transaction. Results are aligned with the
// branch that ran.
type TxnResponse struct {
	Succeeded bool
	Results   []OpResult
}

// PutOption configures a Put.
type PutOption func(*putOptions)

type putOptions struct {
	lease LeaseID
}

// WithLease binds the written key to a lease: it is deleted when the lease
// expires or is revoked.
func WithLease(id LeaseID) PutOption {
	return func(o *putOptions) {
		o.lease = id
	}
}

// KV is the linearizable key-value surface.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) error
	Delete(ctx context.Context, key string) error
	Txn(ctx context.Context, txn Txn) (TxnResponse, error)
	// List returns every key starting with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KeyValue, error)
}

// Watcher streams changes of single keys.
type Watcher interface {
	// Watch delivers events on key from the moment of the call on. The channel
	// is closed when ctx ends or when the stream fails.
	Watch(ctx context.Context, key string) (<-chan Event, error)
}

// Leaser manages time-bound leases.
type Leaser interface {
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
	KeepAlive(ctx context.Context, id LeaseID) error
	Revoke(ctx context.Context, id LeaseID) error
}

// Store is the coordination store the lock protocol runs on.
type Store interface {
	KV
	Watcher
	Leaser
}
