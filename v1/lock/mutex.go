package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

const (
	defaultResyncInterval = time.Second
	defaultWatchRetries   = 5
	notifyTimeout         = time.Second
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fairlock/v1/lock")

// Mutex describes one named lock. It holds no store state and may be shared
// by any number of goroutines and sessions.
type Mutex struct {
	name    string
	counter string

	retry        RetryPolicy
	resync       time.Duration
	watchRetries int
	logger       *slog.Logger
	notifier     syncbus.Bus
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithRetryPolicy bounds ticket allocation retries and watch reopen backoff.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Mutex) {
		m.retry = p
	}
}

// WithResyncInterval sets how often a waiter re-reads the queue even without
// watch events. Zero disables periodic resync.
func WithResyncInterval(d time.Duration) Option {
	return func(m *Mutex) {
		m.resync = d
	}
}

// WithWatchRetries sets how many consecutive watch failures a waiter
// tolerates before giving up.
func WithWatchRetries(n int) Option {
	return func(m *Mutex) {
		m.watchRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mutex) {
		m.logger = l
	}
}

// WithNotifier publishes lock transitions on bus.
func WithNotifier(bus syncbus.Bus) Option {
	return func(m *Mutex) {
		m.notifier = bus
	}
}

// NewMutex validates name and returns its descriptor.
func NewMutex(name string, opts ...Option) (*Mutex, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	m := &Mutex{
		name:         name,
		counter:      name + "." + counterSuffix,
		retry:        DefaultRetryPolicy,
		resync:       defaultResyncInterval,
		watchRetries: defaultWatchRetries,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name returns the lock name.
func (m *Mutex) Name() string { return m.name }

func (m *Mutex) notify(kind syncbus.NoticeKind, t Ticket, s *Session) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	n := syncbus.Notice{Lock: m.name, Kind: kind, Token: uint64(t), Session: s.ID(), At: time.Now()}
	if err := m.notifier.Publish(ctx, n); err != nil {
		m.logger.Warn("fairlock: notice publish failed", "lock", m.name, "kind", kind, "error", err)
	}
}

// Held is a granted lock. It must be released exactly once.
type Held struct {
	m       *Mutex
	session *Session
	token   Ticket

	mu    sync.Mutex
	state State

	// set once the grant was counted in the held gauge
	counted bool
}

// Name returns the lock name.
func (h *Held) Name() string { return h.m.name }

// Token returns the ticket the lock was granted on.
func (h *Held) Token() Ticket { return h.token }

// State returns the current lifecycle state.
func (h *Held) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Held) moveTo(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := transition(h.state, to); err != nil {
		return err
	}
	h.state = to
	return nil
}
