package store

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-fairlock/v1/metrics"
)

const defaultWatchBuffer = 64

type hubSub struct {
	ch     chan Event
	closed bool
}

// Hub fans key events out to watchers. Notify never blocks: a watcher whose
// buffer is full is dropped and its channel closed, which consumers observe
// as a failed stream.
type Hub struct {
	mu     sync.Mutex
	subs   map[string][]*hubSub
	buffer int
	closed bool
}

// NewHub returns a Hub whose watchers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	return &Hub{subs: make(map[string][]*hubSub), buffer: buffer}
}

// Watch registers a watcher on key until ctx ends.
func (h *Hub) Watch(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &hubSub{ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, nil
	}
	h.subs[key] = append(h.subs[key], s)
	h.mu.Unlock()
	metrics.WatcherGauge.Inc()

	go func() {
		<-ctx.Done()
		h.remove(key, s)
	}()
	return s.ch, nil
}

// Notify delivers events in order.
func (h *Hub) Notify(events []Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		for _, s := range h.subs[ev.Key] {
			if s.closed {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				s.closed = true
				close(s.ch)
			}
		}
	}
}

func (h *Hub) remove(key string, s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[key]
	for i, c := range subs {
		if c == s {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, key)
	} else {
		h.subs[key] = subs
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	metrics.WatcherGauge.Dec()
}

// Close terminates every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.subs {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
	}
}
