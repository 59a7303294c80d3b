package lock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/store"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

// Acquire takes a ticket and blocks until it is granted, ctx ends or the
// protocol fails. Tickets are granted strictly in allocation order. On any
// error the ticket is given up and later waiters skip it.
func (m *Mutex) Acquire(ctx context.Context, s *Session) (*Held, error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(attribute.String("lock", m.name)))
	defer span.End()

	h, err := m.begin(s)
	if err != nil {
		return nil, err
	}
	fast, err := m.allocate(ctx, h, false)
	if err != nil {
		m.fail(h)
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("token", int64(h.token)))
	if fast {
		m.granted(h, "fast")
		span.SetAttributes(attribute.String("path", "fast"))
		return h, nil
	}

	_ = h.moveTo(StateQueued)
	m.notify(syncbus.NoticeQueued, h.token, s)
	start := time.Now()
	path, err := m.wait(ctx, h)
	if err != nil {
		m.abandon(h, err)
		span.RecordError(err)
		return nil, err
	}
	metrics.WaitHistogram.Observe(time.Since(start).Seconds())
	m.granted(h, path)
	span.SetAttributes(attribute.String("path", path))
	return h, nil
}

// TryAcquire takes the lock only if it is idle. It never queues and returns
// ErrLocked when the lock is held or contended.
func (m *Mutex) TryAcquire(ctx context.Context, s *Session) (*Held, error) {
	h, err := m.begin(s)
	if err != nil {
		return nil, err
	}
	if _, err := m.allocate(ctx, h, true); err != nil {
		m.fail(h)
		return nil, err
	}
	m.granted(h, "fast")
	return h, nil
}

func (m *Mutex) begin(s *Session) (*Held, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	if err := s.enter(m.name); err != nil {
		return nil, err
	}
	h := &Held{m: m, session: s, state: StateIdle}
	_ = h.moveTo(StateAllocating)
	return h, nil
}

func (m *Mutex) fail(h *Held) {
	_ = h.moveTo(StateReleased)
	h.session.leave(m.name)
}

func (m *Mutex) granted(h *Held, path string) {
	_ = h.moveTo(StateHeld)
	h.mu.Lock()
	h.counted = true
	h.mu.Unlock()
	metrics.AcquireCounter.WithLabelValues(path).Inc()
	metrics.HeldGauge.Inc()
	kind := syncbus.NoticeAcquired
	if path == "takeover" {
		kind = syncbus.NoticeTakeover
	}
	m.notify(kind, h.token, h.session)
	m.logger.Debug("fairlock: lock granted", "lock", m.name, "token", h.token, "path", path)
}

// allocate runs the ticket allocator. It reports true when the fast path
// granted ticket 0; otherwise h.token is queued and its sentinel and owner
// keys exist. With fastOnly set, a non-idle lock yields ErrLocked.
func (m *Mutex) allocate(ctx context.Context, h *Held, fastOnly bool) (bool, error) {
	st := h.session.Store()
	sid := []byte(h.session.ID())
	lease := store.WithLease(h.session.Lease())

	var (
		cur     []byte
		present bool
		probe   = true
		attempt int
	)
	for {
		idle := !present || len(cur) == 0
		var txn store.Txn
		var taking Ticket
		if idle {
			guard := store.Absent(m.counter)
			if present {
				guard = store.Equal(m.counter, cur)
			}
			txn = store.Txn{
				If: []store.Compare{guard},
				Then: []store.Op{
					store.PutOp(m.counter, encodeTicket(1)),
					store.PutOp(m.OwnerKey(0), sid, lease),
				},
				Else: []store.Op{store.GetOp(m.counter)},
			}
		} else {
			if fastOnly {
				return false, fmt.Errorf("acquire %s: %w", m.name, fairerrors.ErrLocked)
			}
			var err error
			taking, err = decodeTicket(cur)
			if err != nil {
				return false, fmt.Errorf("acquire %s: %w", m.name, err)
			}
			if taking == 0 {
				return false, fmt.Errorf("acquire %s: %w: counter is zero", m.name, fairerrors.ErrProtocolViolation)
			}
			txn = store.Txn{
				If: []store.Compare{store.Equal(m.counter, cur)},
				Then: []store.Op{
					store.PutOp(m.counter, encodeTicket(taking+1)),
					store.PutOp(m.SentinelKey(taking), []byte(waitingPayload)),
					store.PutOp(m.OwnerKey(taking), sid, lease),
				},
				Else: []store.Op{store.GetOp(m.counter)},
			}
		}

		resp, err := st.Txn(ctx, txn)
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", m.name, err)
		}
		if resp.Succeeded {
			if idle {
				h.token = 0
				return true, nil
			}
			h.token = taking
			return false, nil
		}
		read := resp.Results[0]
		cur, present = read.Value, read.Found

		// the opening fast-path attempt is a probe, not a lost race
		if probe {
			probe = false
			continue
		}
		if fastOnly && (!present || len(cur) == 0) {
			continue
		}
		attempt++
		metrics.CASRetryCounter.Inc()
		if m.retry.exhausted(attempt) {
			return false, fmt.Errorf("acquire %s after %d attempts: %w", m.name, attempt, fairerrors.ErrRetriesExhausted)
		}
		if err := m.retry.sleep(ctx, attempt); err != nil {
			return false, err
		}
	}
}
