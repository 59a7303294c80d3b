package lock

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/store"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

const abandonTimeout = 5 * time.Second

// verdict is the outcome of one read of the queue around a waiting ticket.
type verdict struct {
	granted bool
	path    string
	pred    Ticket
}

// wait blocks until h.token is granted. It watches its own sentinel and
// owner keys and the owner and sentinel keys of the nearest live
// predecessor, re-reading the queue after every watch (re)open, every event
// and every resync tick. A grant is only returned from a read that shows our
// owner key alive.
func (m *Mutex) wait(ctx context.Context, h *Held) (string, error) {
	ctx, span := tracer.Start(ctx, "lock.Wait", trace.WithAttributes(
		attribute.String("lock", m.name),
		attribute.Int64("token", int64(h.token)),
	))
	defer span.End()

	var tick <-chan time.Time
	if m.resync > 0 {
		ticker := time.NewTicker(m.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	st := h.session.Store()
	own := m.SentinelKey(h.token)
	pred := h.token - 1
	failures := 0

	for {
		wctx, cancel := context.WithCancel(ctx)
		events, err := watchAll(wctx, st, own, m.OwnerKey(h.token), m.OwnerKey(pred), m.SentinelKey(pred))
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			failures++
			if err := m.watchFailed(ctx, h, failures, err); err != nil {
				return "", err
			}
			continue
		}

		path, next, progressed, err := m.follow(ctx, h, pred, events, tick)
		cancel()
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if path != "" {
			return path, nil
		}
		if next != pred {
			// the predecessor changed; reopen on the new one
			pred = next
			failures = 0
			continue
		}
		if progressed {
			failures = 0
		}
		failures++
		if err := m.watchFailed(ctx, h, failures, nil); err != nil {
			return "", err
		}
	}
}

// follow consumes one set of watches. It returns a grant path, or a new
// predecessor to reopen on, or neither when the watch stream broke.
// progressed reports whether the stream delivered anything before breaking.
func (m *Mutex) follow(ctx context.Context, h *Held, pred Ticket, events <-chan store.Event, tick <-chan time.Time) (path string, next Ticket, progressed bool, err error) {
	own := m.SentinelKey(h.token)
	for {
		v, err := m.inspectQueue(ctx, h, pred)
		if err != nil {
			return "", pred, progressed, err
		}
		if v.granted {
			return v.path, pred, progressed, nil
		}
		if v.pred != pred {
			return "", v.pred, progressed, nil
		}

		select {
		case <-ctx.Done():
			return "", pred, progressed, ctx.Err()
		case <-tick:
			progressed = true
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return "", pred, progressed, ctx.Err()
				}
				return "", pred, progressed, nil
			}
			progressed = true
			// a delete of our sentinel is confirmed by the next read, which
			// also checks that our owner key survived
			if ev.Key != own || ev.Type == store.EventDelete {
				continue
			}
			metrics.AnomalyCounter.Inc()
			return "", pred, progressed, fmt.Errorf("wait %s: %w: %s on own sentinel %s", m.name, fairerrors.ErrProtocolViolation, ev.Type, own)
		}
	}
}

func (m *Mutex) watchFailed(ctx context.Context, h *Held, failures int, cause error) error {
	if failures > m.watchRetries {
		if cause == nil {
			return fmt.Errorf("wait %s: %w after %d reopen attempts", m.name, fairerrors.ErrWatchBroken, failures-1)
		}
		return fmt.Errorf("wait %s: %w: %v", m.name, fairerrors.ErrWatchBroken, cause)
	}
	metrics.WatchRestartCounter.Inc()
	m.logger.Warn("fairlock: reopening queue watch", "lock", m.name, "token", h.token, "attempt", failures, "error", cause)
	return m.retry.sleep(ctx, failures)
}

// inspectQueue reads the queue state around h.token and resolves dead
// predecessors. A predecessor whose owner key is gone while its sentinel
// remains was abandoned and is skipped. When both are gone the lock has no
// live holder ahead of us and the ticket takes over.
func (m *Mutex) inspectQueue(ctx context.Context, h *Held, pred Ticket) (verdict, error) {
	st := h.session.Store()
	sid := []byte(h.session.ID())
	own := m.SentinelKey(h.token)
	ownOwner := m.OwnerKey(h.token)

	for {
		resp, err := st.Txn(ctx, store.Txn{Then: []store.Op{
			store.GetOp(own),
			store.GetOp(ownOwner),
			store.GetOp(m.OwnerKey(pred)),
			store.GetOp(m.SentinelKey(pred)),
		}})
		if err != nil {
			return verdict{}, fmt.Errorf("wait %s: %w", m.name, err)
		}
		sentinel, owner, predOwner, predSentinel := resp.Results[0], resp.Results[1], resp.Results[2], resp.Results[3]

		switch {
		case !owner.Found || !bytes.Equal(owner.Value, sid):
			return verdict{}, fmt.Errorf("wait %s: ticket %d: %w", m.name, h.token, fairerrors.ErrLeaseExpired)
		case !sentinel.Found:
			return verdict{granted: true, path: "queued", pred: pred}, nil
		case predOwner.Found:
			return verdict{pred: pred}, nil
		case predSentinel.Found:
			if pred == 0 {
				metrics.AnomalyCounter.Inc()
				return verdict{}, fmt.Errorf("wait %s: %w: sentinel for ticket 0", m.name, fairerrors.ErrProtocolViolation)
			}
			m.logger.Debug("fairlock: skipping abandoned ticket", "lock", m.name, "token", h.token, "dead", pred)
			pred--
			continue
		}

		ok, err := m.takeover(ctx, h, pred)
		if err != nil {
			return verdict{}, err
		}
		if ok {
			return verdict{granted: true, path: "takeover", pred: pred}, nil
		}
	}
}

// takeover deletes our sentinel and any stale sentinels between pred and
// h.token, provided we still own the ticket and have not been granted.
func (m *Mutex) takeover(ctx context.Context, h *Held, pred Ticket) (bool, error) {
	then := []store.Op{store.DeleteOp(m.SentinelKey(h.token))}
	for k := pred + 1; k < h.token; k++ {
		then = append(then, store.DeleteOp(m.SentinelKey(k)))
	}
	resp, err := h.session.Store().Txn(ctx, store.Txn{
		If: []store.Compare{
			store.Equal(m.OwnerKey(h.token), []byte(h.session.ID())),
			store.Present(m.SentinelKey(h.token)),
		},
		Then: then,
	})
	if err != nil {
		return false, fmt.Errorf("takeover %s: %w", m.name, err)
	}
	if resp.Succeeded {
		m.logger.Info("fairlock: took over from dead holder", "lock", m.name, "token", h.token, "predecessor", pred)
	}
	return resp.Succeeded, nil
}

// abandon gives up a queued ticket after a failed wait. If the ticket was in
// fact granted and nobody queued behind it, the lock is reset to idle;
// otherwise only the owner key is removed so successors skip or take over.
func (m *Mutex) abandon(h *Held, cause error) {
	defer m.fail(h)
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()

	st := h.session.Store()
	sid := []byte(h.session.ID())
	owner := m.OwnerKey(h.token)

	resp, err := st.Txn(ctx, store.Txn{
		If: []store.Compare{
			store.Equal(m.counter, encodeTicket(h.token+1)),
			store.Equal(owner, sid),
			store.Absent(m.SentinelKey(h.token)),
		},
		Then: []store.Op{store.DeleteOp(m.counter), store.DeleteOp(owner)},
	})
	if err == nil && !resp.Succeeded {
		_, err = st.Txn(ctx, store.Txn{
			If:   []store.Compare{store.Equal(owner, sid)},
			Then: []store.Op{store.DeleteOp(owner)},
		})
	}
	if err != nil {
		m.logger.Error("fairlock: abandon failed, ticket clears with the session lease", "lock", m.name, "token", h.token, "error", err)
	}
	metrics.AbandonCounter.Inc()
	m.logger.Info("fairlock: ticket abandoned", "lock", m.name, "token", h.token, "cause", cause)
	m.notify(syncbus.NoticeAbandoned, h.token, h.session)
}

// watchAll opens one watch per key and merges them. The merged channel
// closes as soon as any underlying watch ends.
func watchAll(ctx context.Context, st store.Watcher, keys ...string) (<-chan store.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	chans := make([]<-chan store.Event, 0, len(keys))
	for _, k := range keys {
		ch, err := st.Watch(ctx, k)
		if err != nil {
			cancel()
			return nil, err
		}
		chans = append(chans, ch)
	}

	out := make(chan store.Event, 16)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan store.Event) {
			defer wg.Done()
			defer cancel()
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
