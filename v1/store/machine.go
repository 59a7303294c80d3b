package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

type entry struct {
	Value []byte  `json:"v"`
	Lease LeaseID `json:"l,omitempty"`
}

type leaseState struct {
	TTL      time.Duration       `json:"ttl"`
	Deadline time.Time           `json:"deadline"`
	Keys     map[string]struct{} `json:"keys"`
}

// Machine is a deterministic key space with leases. It is not safe for
// concurrent use: callers serialise access, either with a mutex or through a
// replicated log. Every mutating call returns the events it produced, in
// application order.
type Machine struct {
	items  map[string]entry
	leases map[LeaseID]*leaseState
}

// NewMachine returns an empty Machine.
func NewMachine() *Machine {
	return &Machine{
		items:  make(map[string]entry),
		leases: make(map[LeaseID]*leaseState),
	}
}

// Len returns the number of live keys.
func (m *Machine) Len() int { return len(m.items) }

// Leases returns the number of live leases.
func (m *Machine) Leases() int { return len(m.leases) }

// Get reads a single key.
func (m *Machine) Get(key string) ([]byte, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	return clone(e.Value), true
}

// List returns the keys under prefix sorted by key.
func (m *Machine) List(prefix string) []KeyValue {
	out := make([]KeyValue, 0)
	for k, e := range m.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KeyValue{Key: k, Value: clone(e.Value)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Txn evaluates the guards and applies the selected branch atomically. A
// branch referencing an unknown lease fails as a whole before any write.
func (m *Machine) Txn(txn Txn) (TxnResponse, []Event, error) {
	ok := true
	for _, c := range txn.If {
		if !m.holds(c) {
			ok = false
			break
		}
	}
	ops := txn.Else
	if ok {
		ops = txn.Then
	}
	for _, op := range ops {
		if op.Kind == OpPut && op.Lease != NoLease {
			if _, found := m.leases[op.Lease]; !found {
				return TxnResponse{}, nil, fmt.Errorf("lease %s: %w", op.Lease, fairerrors.ErrLeaseNotFound)
			}
		}
	}
	resp := TxnResponse{Succeeded: ok, Results: make([]OpResult, len(ops))}
	var events []Event
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			v, found := m.Get(op.Key)
			resp.Results[i] = OpResult{Found: found, Value: v}
		case OpPut:
			m.put(op.Key, op.Value, op.Lease)
			resp.Results[i] = OpResult{Found: true}
			events = append(events, Event{Type: EventPut, Key: op.Key, Value: clone(op.Value)})
		case OpDelete:
			if m.delete(op.Key) {
				resp.Results[i] = OpResult{Found: true}
				events = append(events, Event{Type: EventDelete, Key: op.Key})
			}
		}
	}
	return resp, events, nil
}

func (m *Machine) holds(c Compare) bool {
	e, found := m.items[c.Key]
	switch c.Kind {
	case CompareAbsent:
		return !found
	case ComparePresent:
		return found
	default:
		return found && bytes.Equal(e.Value, c.Value)
	}
}

func (m *Machine) put(key string, value []byte, lease LeaseID) {
	if prev, ok := m.items[key]; ok && prev.Lease != NoLease && prev.Lease != lease {
		if l := m.leases[prev.Lease]; l != nil {
			delete(l.Keys, key)
		}
	}
	m.items[key] = entry{Value: clone(value), Lease: lease}
	if lease != NoLease {
		m.leases[lease].Keys[key] = struct{}{}
	}
}

func (m *Machine) delete(key string) bool {
	prev, ok := m.items[key]
	if !ok {
		return false
	}
	if prev.Lease != NoLease {
		if l := m.leases[prev.Lease]; l != nil {
			delete(l.Keys, key)
		}
	}
	delete(m.items, key)
	return true
}

// Grant registers a lease expiring ttl after now.
func (m *Machine) Grant(id LeaseID, ttl time.Duration, now time.Time) {
	m.leases[id] = &leaseState{TTL: ttl, Deadline: now.Add(ttl), Keys: make(map[string]struct{})}
}

// KeepAlive pushes the lease deadline to now plus its TTL.
func (m *Machine) KeepAlive(id LeaseID, now time.Time) error {
	l, ok := m.leases[id]
	if !ok {
		return fmt.Errorf("lease %s: %w", id, fairerrors.ErrLeaseNotFound)
	}
	l.Deadline = now.Add(l.TTL)
	return nil
}

// Revoke drops the lease and every key bound to it. Revoking an unknown
// lease is a no-op.
func (m *Machine) Revoke(id LeaseID) []Event {
	l, ok := m.leases[id]
	if !ok {
		return nil
	}
	delete(m.leases, id)
	keys := make([]string, 0, len(l.Keys))
	for k := range l.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	events := make([]Event, 0, len(keys))
	for _, k := range keys {
		delete(m.items, k)
		events = append(events, Event{Type: EventDelete, Key: k})
	}
	return events
}

// Expire revokes every lease whose deadline is not after now.
func (m *Machine) Expire(now time.Time) []Event {
	var expired []LeaseID
	for id, l := range m.leases {
		if !l.Deadline.After(now) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	var events []Event
	for _, id := range expired {
		events = append(events, m.Revoke(id)...)
	}
	return events
}

type machineImage struct {
	Items  map[string]entry         `json:"items"`
	Leases map[LeaseID]*leaseState `json:"leases"`
}

// MarshalJSON encodes the full machine state.
func (m *Machine) MarshalJSON() ([]byte, error) {
	return json.Marshal(machineImage{Items: m.items, Leases: m.leases})
}

// UnmarshalJSON replaces the machine state.
func (m *Machine) UnmarshalJSON(data []byte) error {
	var img machineImage
	if err := json.Unmarshal(data, &img); err != nil {
		return err
	}
	if img.Items == nil {
		img.Items = make(map[string]entry)
	}
	if img.Leases == nil {
		img.Leases = make(map[LeaseID]*leaseState)
	}
	for _, l := range img.Leases {
		if l.Keys == nil {
			l.Keys = make(map[string]struct{})
		}
	}
	m.items = img.Items
	m.leases = img.Leases
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
