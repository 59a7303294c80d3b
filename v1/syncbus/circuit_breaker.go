package syncbus

import (
	"context"
	"sync"
	"time"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects publishes.
var ErrCircuitOpen = fairerrors.ErrCircuitOpen

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic so a failing
// transport does not add latency to every lock transition.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	// half-open: a single probe is already in flight
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, n Notice) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, n); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, lock string) (<-chan Notice, error) {
	return cb.bus.Subscribe(ctx, lock)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Notice) error {
	return cb.bus.Unsubscribe(ctx, lock, ch)
}
