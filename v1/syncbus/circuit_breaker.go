package syncbus

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic. Only Publish
// is guarded; a lock release never waits on a transport known to be down.
type CircuitBreakerBus struct {
	bus       Bus
	clock     clock.Clock
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

var _ Bus = (*CircuitBreakerBus)(nil)

// CircuitBreakerOption configures a CircuitBreakerBus.
type CircuitBreakerOption func(*CircuitBreakerBus)

// WithBreakerClock sets the clock used to time the open state.
func WithBreakerClock(c clock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreakerBus) {
		cb.clock = c
	}
}

// NewCircuitBreaker returns a new CircuitBreakerBus that opens after
// threshold consecutive failures and probes again after timeout.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration, opts ...CircuitBreakerOption) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	cb := &CircuitBreakerBus{
		bus:       bus,
		clock:     clock.New(),
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// IsHealthy reports whether Publish would currently be attempted.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return cb.clock.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from open to half-open once the timeout has
// passed. Only one probe runs while half-open.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.clock.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
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
	cb.lastFail = cb.clock.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic. Cancellation by
// the caller does not count as a transport failure.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string, evt Event) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic, evt)
	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled):
		cb.mu.Lock()
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		cb.mu.Unlock()
	default:
		cb.onFailure()
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, topic)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
