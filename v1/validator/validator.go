package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/store"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Entry is a live ticket and the session owning it.
type Entry struct {
	Token   uint64 `json:"token"`
	Session string `json:"session"`
}

// Snapshot is a point-in-time view of one lock's queue.
type Snapshot struct {
	Lock      string   `json:"lock"`
	Idle      bool     `json:"idle"`
	Next      uint64   `json:"next"`
	Holders   []Entry  `json:"holders"`
	Waiting   []Entry  `json:"waiting"`
	Dead      []uint64 `json:"dead"`
	Anomalies []string `json:"anomalies,omitempty"`

	// sentinel keys left behind while the lock is idle
	stale []string
}

type ticketKeys struct {
	owner    []byte
	hasOwner bool
	sentinel bool
}

// Inspect lists the key space of m and classifies every ticket. The listing
// is not necessarily atomic, so a lock under heavy traffic may show
// transient states.
func Inspect(ctx context.Context, st store.KV, m *lock.Mutex) (Snapshot, error) {
	kvs, err := st.List(ctx, m.Prefix())
	if err != nil {
		return Snapshot{}, fmt.Errorf("inspect %s: %w", m.Name(), err)
	}

	snap := Snapshot{Lock: m.Name(), Idle: true}
	tickets := map[lock.Ticket]*ticketKeys{}
	at := func(t lock.Ticket) *ticketKeys {
		tk, ok := tickets[t]
		if !ok {
			tk = &ticketKeys{}
			tickets[t] = tk
		}
		return tk
	}
	for _, kv := range kvs {
		kind, t, ok := m.ParseKey(kv.Key)
		if !ok {
			snap.Anomalies = append(snap.Anomalies, fmt.Sprintf("unexpected key %q", kv.Key))
			continue
		}
		switch kind {
		case lock.KeyCounter:
			if len(kv.Value) == 0 {
				continue
			}
			next, err := lock.DecodeCounter(kv.Value)
			if err != nil {
				snap.Anomalies = append(snap.Anomalies, err.Error())
				snap.Idle = false
				continue
			}
			snap.Idle = false
			snap.Next = uint64(next)
		case lock.KeySentinel:
			at(t).sentinel = true
		case lock.KeyOwner:
			tk := at(t)
			tk.hasOwner = true
			tk.owner = kv.Value
		}
	}

	order := make([]lock.Ticket, 0, len(tickets))
	for t := range tickets {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, t := range order {
		tk := tickets[t]
		if snap.Idle {
			if tk.sentinel {
				snap.stale = append(snap.stale, m.SentinelKey(t))
			}
			snap.Anomalies = append(snap.Anomalies, fmt.Sprintf("ticket %d has keys while idle", t))
			continue
		}
		if uint64(t) >= snap.Next {
			snap.Anomalies = append(snap.Anomalies, fmt.Sprintf("ticket %d at or past next %d", t, snap.Next))
		}
		switch {
		case tk.hasOwner && !tk.sentinel:
			snap.Holders = append(snap.Holders, Entry{Token: uint64(t), Session: string(tk.owner)})
		case tk.hasOwner:
			snap.Waiting = append(snap.Waiting, Entry{Token: uint64(t), Session: string(tk.owner)})
		default:
			snap.Dead = append(snap.Dead, uint64(t))
		}
	}
	if len(snap.Holders) > 1 {
		snap.Anomalies = append(snap.Anomalies, fmt.Sprintf("%d live holders", len(snap.Holders)))
	}
	return snap, nil
}

// Validator periodically inspects a set of locks.
type Validator struct {
	store    store.Store
	locks    []*lock.Mutex
	mode     Mode
	interval time.Duration
	logger   *slog.Logger

	anomalies uint64
	healed    uint64
}

// New creates a new Validator.
func New(st store.Store, locks []*lock.Mutex, mode Mode, interval time.Duration) *Validator {
	return &Validator{store: st, locks: locks, mode: mode, interval: interval, logger: slog.Default()}
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.store == nil || v.mode == ModeNoop {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan inspects every lock once and returns the snapshots it took.
func (v *Validator) Scan(ctx context.Context) []Snapshot {
	out := make([]Snapshot, 0, len(v.locks))
	for _, m := range v.locks {
		snap, err := Inspect(ctx, v.store, m)
		if err != nil {
			v.logger.Warn("fairlock: inspect failed", "lock", m.Name(), "error", err)
			continue
		}
		out = append(out, snap)
		if len(snap.Anomalies) == 0 {
			continue
		}
		atomic.AddUint64(&v.anomalies, uint64(len(snap.Anomalies)))
		metrics.AnomalyCounter.Add(float64(len(snap.Anomalies)))
		if v.mode >= ModeAlert {
			v.logger.Warn("fairlock: lock anomalies", "lock", m.Name(), "anomalies", snap.Anomalies)
		}
		if v.mode == ModeAutoHeal && len(snap.stale) > 0 {
			v.heal(ctx, m, snap.stale)
		}
	}
	return out
}

// heal removes sentinels left behind on an idle lock. The delete only runs
// while the counter is still absent.
func (v *Validator) heal(ctx context.Context, m *lock.Mutex, stale []string) {
	ops := make([]store.Op, 0, len(stale))
	for _, k := range stale {
		ops = append(ops, store.DeleteOp(k))
	}
	resp, err := v.store.Txn(ctx, store.Txn{
		If:   []store.Compare{store.Absent(m.CounterKey())},
		Then: ops,
	})
	if err != nil {
		v.logger.Warn("fairlock: heal failed", "lock", m.Name(), "error", err)
		return
	}
	if resp.Succeeded {
		atomic.AddUint64(&v.healed, uint64(len(stale)))
		v.logger.Info("fairlock: removed stale sentinels", "lock", m.Name(), "count", len(stale))
	}
}

// Metrics returns number of anomalies detected.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.anomalies)
}

// Healed returns number of stale keys removed.
func (v *Validator) Healed() uint64 {
	return atomic.LoadUint64(&v.healed)
}
