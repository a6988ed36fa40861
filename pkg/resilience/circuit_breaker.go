// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"sync"
	"time"

	"github.com/squadron-ops/squadron/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means calls flow through normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means calls are rejected without reaching the collaborator.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means the breaker is probing for recovery.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open before closing.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration

	// Name identifies the breaker in logs and error context.
	Name string
}

// CircuitBreaker shields the system from a collaborator that is down,
// failing fast instead of burning the retry budget on every trigger.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	mu           sync.RWMutex
}

// NewCircuitBreaker creates a breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Call executes fn if the breaker allows it, tracking the outcome.
// An open circuit returns a recoverable CodeTransient error so the
// caller's retry policy treats it like any other transient failure.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkState()

	if cb.state == StateOpen {
		return errors.New(errors.CodeTransient, "circuit breaker open", nil).
			WithContext("breaker", cb.config.Name)
	}

	err := fn()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()
		if cb.state == StateHalfOpen || (cb.failures >= cb.config.FailureThreshold && cb.state == StateClosed) {
			cb.state = StateOpen
			cb.failures = 0
			cb.successes = 0
		}
		return err
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
	return nil
}

// checkState transitions open to half-open after the probe timeout.
// Must be called under lock.
func (cb *CircuitBreaker) checkState() {
	if cb.state == StateOpen && time.Since(cb.lastFailTime) > cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.failures = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}
