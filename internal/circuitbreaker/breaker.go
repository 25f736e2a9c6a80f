// Package circuitbreaker stops forwarding to an upstream that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Consecutive failures that open the circuit. Default 5.
	MaxFailures int
	// Time spent open before a trial request is let through. Default 30s.
	Timeout time.Duration
	// Successes in half-open needed to close again. Default 1.
	HalfOpenSuccess int
}

type CircuitBreaker struct {
	mu              sync.Mutex
	cfg             Config
	clock           clock.Clock
	state           State
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
	onChange        func(from, to State)
}

type Option func(*CircuitBreaker)

func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// OnStateChange registers a hook run, under the breaker's lock, on every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

func New(cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}

	cb := &CircuitBreaker{cfg: cfg, clock: clock.Real{}, state: StateClosed}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.clock.Now()
	return cb
}

// Call runs fn unless the circuit is open. fn's error counts as a failure.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.clock.Now().Sub(cb.lastFailure) < cb.cfg.Timeout {
		return ErrCircuitOpen
	}
	cb.transition(StateHalfOpen)
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailure = cb.clock.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenSuccess {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.lastStateChange = cb.clock.Now()
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
	}

	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

type Snapshot struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		State:           cb.state.String(),
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		LastFailureTime: cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}
