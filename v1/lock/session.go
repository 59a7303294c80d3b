package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/store"
)

const defaultSessionTTL = 10 * time.Second

// Session is one process's liveness in the store: a lease kept alive in the
// background. Tickets are owned by sessions; when the lease goes away, every
// ticket of the session is treated as dead by its successors.
type Session struct {
	id     string
	store  store.Store
	lease  store.LeaseID
	ttl    time.Duration
	logger *slog.Logger

	// names this session holds or is queued on
	active *xsync.MapOf[string, struct{}]

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	ttl    time.Duration
	logger *slog.Logger
}

// WithTTL sets the lease TTL. Keepalives are sent every TTL/3.
func WithTTL(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.ttl = d
	}
}

// WithSessionLogger sets the logger used by the keepalive loop.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = l
	}
}

// NewSession grants a lease on st and starts keeping it alive.
func NewSession(ctx context.Context, st store.Store, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{ttl: defaultSessionTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	lease, err := st.Grant(ctx, o.ttl)
	if err != nil {
		return nil, fmt.Errorf("grant session lease: %w", err)
	}
	s := &Session{
		id:     uuid.NewString(),
		store:  st,
		lease:  lease,
		ttl:    o.ttl,
		logger: o.logger,
		active: xsync.NewMapOf[string, struct{}](),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.keepAlive()
	return s, nil
}

// ID returns the session identifier written into owner keys.
func (s *Session) ID() string { return s.id }

// Lease returns the store lease backing the session.
func (s *Session) Lease() store.LeaseID { return s.lease }

// Store returns the store the session lives in.
func (s *Session) Store() store.Store { return s.store }

// Done is closed once the session has ended, by Close or by losing its lease.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Session) keepAlive() {
	defer close(s.done)
	interval := s.ttl / 3
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.store.KeepAlive(ctx, s.lease)
			cancel()
			if err == nil {
				continue
			}
			if stdErrors.Is(err, fairerrors.ErrLeaseNotFound) {
				s.logger.Error("fairlock: session lease lost", "session", s.id, "lease", s.lease)
				metrics.SessionExpiredCounter.Inc()
				s.finish(fairerrors.ErrLeaseExpired)
				return
			}
			s.logger.Warn("fairlock: session keepalive failed", "session", s.id, "error", err)
		}
	}
}

// Close stops the keepalive loop and revokes the lease, which removes every
// owner key of the session. Tickets still queued become skippable and held
// locks pass to their successors.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.finish(fairerrors.ErrSessionClosed)
		close(s.stop)
		<-s.done
		err = s.store.Revoke(ctx, s.lease)
	})
	return err
}

func (s *Session) alive() error {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return fairerrors.ErrSessionClosed
	default:
		return nil
	}
}

// enter marks name as in use by this session.
func (s *Session) enter(name string) error {
	if _, loaded := s.active.LoadOrStore(name, struct{}{}); loaded {
		return fmt.Errorf("%w: %s", fairerrors.ErrReentrant, name)
	}
	return nil
}

func (s *Session) leave(name string) {
	s.active.Delete(name)
}

// Active returns the number of locks the session holds or waits on.
func (s *Session) Active() int {
	return s.active.Size()
}
