package lock

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/store"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

// Release gives up a held lock. If nobody queued behind the holder the lock
// returns to idle, otherwise the next ticket is granted. A transport error
// leaves the handle held so Release can be retried.
func (h *Held) Release(ctx context.Context) error {
	m := h.m
	ctx, span := tracer.Start(ctx, "lock.Release", trace.WithAttributes(
		attribute.String("lock", m.name),
		attribute.Int64("token", int64(h.token)),
	))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateHeld {
		return fmt.Errorf("release %s: %w (state %s)", m.name, fairerrors.ErrNotHeld, h.state)
	}

	mode, err := m.release(ctx, h)
	if err != nil && !isOwnerErr(err) {
		span.RecordError(err)
		return err
	}
	h.state = StateReleased
	h.session.leave(m.name)
	if h.counted {
		h.counted = false
		metrics.HeldGauge.Dec()
	}
	if err != nil {
		span.RecordError(err)
		m.logger.Error("fairlock: release by non-owner", "lock", m.name, "token", h.token, "session", h.session.ID())
		return err
	}

	metrics.ReleaseCounter.WithLabelValues(mode).Inc()
	span.SetAttributes(attribute.String("mode", mode))
	kind := syncbus.NoticeReleased
	if mode == "handoff" {
		kind = syncbus.NoticeHandoff
	}
	m.notify(kind, h.token, h.session)
	return nil
}

// release resets the counter when h.token is the last ticket, otherwise it
// deletes the successor's sentinel. Both paths require our owner key.
func (m *Mutex) release(ctx context.Context, h *Held) (string, error) {
	st := h.session.Store()
	sid := []byte(h.session.ID())
	owner := m.OwnerKey(h.token)

	resp, err := st.Txn(ctx, store.Txn{
		If: []store.Compare{
			store.Equal(m.counter, encodeTicket(h.token+1)),
			store.Equal(owner, sid),
		},
		Then: []store.Op{store.DeleteOp(m.counter), store.DeleteOp(owner)},
		Else: []store.Op{store.GetOp(owner)},
	})
	if err != nil {
		return "", fmt.Errorf("release %s: %w", m.name, err)
	}
	if resp.Succeeded {
		return "reset", nil
	}
	if cur := resp.Results[0]; !cur.Found || !bytes.Equal(cur.Value, sid) {
		return "", fmt.Errorf("release %s ticket %d: %w", m.name, h.token, fairerrors.ErrNotOwner)
	}

	resp, err = st.Txn(ctx, store.Txn{
		If:   []store.Compare{store.Equal(owner, sid)},
		Then: []store.Op{store.DeleteOp(m.SentinelKey(h.token + 1)), store.DeleteOp(owner)},
	})
	if err != nil {
		return "", fmt.Errorf("release %s: %w", m.name, err)
	}
	if !resp.Succeeded {
		return "", fmt.Errorf("release %s ticket %d: %w", m.name, h.token, fairerrors.ErrNotOwner)
	}
	return "handoff", nil
}

func isOwnerErr(err error) bool {
	return stdErrors.Is(err, fairerrors.ErrNotOwner)
}
