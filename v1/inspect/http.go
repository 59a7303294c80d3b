// Package inspect serves lock state and lock notices over HTTP.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/store"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
	"github.com/mirkobrombin/go-fairlock/v1/validator"
)

const defaultCacheTTL = 250 * time.Millisecond

// Status answers GET ?lock=<name> with the lock's validator.Snapshot as
// JSON. Snapshots are cached briefly and concurrent requests for the same
// lock share one store listing.
type Status struct {
	store store.KV
	ttl   time.Duration
	cache *ristretto.Cache
	group singleflight.Group
}

// StatusOption configures a Status handler.
type StatusOption func(*Status)

// WithCacheTTL sets how long a snapshot is served from cache. Zero disables
// caching.
func WithCacheTTL(d time.Duration) StatusOption {
	return func(s *Status) {
		s.ttl = d
	}
}

// StatusHandler returns a Status handler reading from st.
func StatusHandler(st store.KV, opts ...StatusOption) *Status {
	s := &Status{store: st, ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(s)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	s.cache = c
	return s
}

func (s *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m, ok := lockParam(w, r)
	if !ok {
		return
	}
	snap, err := s.snapshot(r.Context(), m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Status) snapshot(ctx context.Context, m *lock.Mutex) (validator.Snapshot, error) {
	if s.ttl > 0 {
		if v, ok := s.cache.Get(m.Name()); ok {
			if snap, ok := v.(validator.Snapshot); ok {
				return snap, nil
			}
		}
	}
	v, err, _ := s.group.Do(m.Name(), func() (any, error) {
		snap, err := validator.Inspect(ctx, s.store, m)
		if err != nil {
			return nil, err
		}
		if s.ttl > 0 {
			s.cache.SetWithTTL(m.Name(), snap, 1, s.ttl)
			s.cache.Wait()
		}
		return snap, nil
	})
	if err != nil {
		return validator.Snapshot{}, err
	}
	return v.(validator.Snapshot), nil
}

// Close releases the snapshot cache.
func (s *Status) Close() {
	s.cache.Close()
}

func lockParam(w http.ResponseWriter, r *http.Request) (*lock.Mutex, bool) {
	name := r.URL.Query().Get("lock")
	if name == "" {
		http.Error(w, "missing lock", http.StatusBadRequest)
		return nil, false
	}
	m, err := lock.NewMutex(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return m, true
}

// SSEHandler streams lock notices over Server-Sent Events.
// The lock is taken from the "lock" query parameter.
func SSEHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := lockParam(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, m.Name())
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), m.Name(), ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case n, ok := <-ch:
				if !ok {
					return
				}
				data, err := n.Encode()
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock notices over WebSocket, one JSON text
// message per notice. The lock is taken from the "lock" query parameter.
func WebSocketHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := lockParam(w, r)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, m.Name())
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), m.Name(), ch)
		}()
		for {
			select {
			case n, ok := <-ch:
				if !ok {
					return
				}
				data, err := n.Encode()
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
