package client

import (
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// CircuitBreaker guards calls to a single upstream endpoint. It opens after
// FailureThreshold consecutive failures and allows one trial request after
// RecoveryTimeout has elapsed. Each client owns exactly one breaker; state is
// per-process and resets to closed on restart.
type CircuitBreaker struct {
	mu sync.Mutex

	scope            string
	state            string
	failureThreshold int
	recoveryTimeout  time.Duration

	consecutiveFailures int
	lastFailureAt       time.Time

	nowFn func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the given scope.
func NewCircuitBreaker(scope string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		scope:            scope,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		nowFn:            time.Now,
	}
}

// AllowRequest reports whether a request may proceed. While open, it returns
// true only once the recovery timeout has elapsed, transitioning to half_open
// so the next call acts as the trial request. A false return does not count
// as a failure.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.nowFn().Sub(cb.lastFailureAt) > cb.recoveryTimeout {
		cb.state = StateHalfOpen
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker regardless of
// its prior state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.state = StateClosed
}

// RecordFailure counts a real failed attempt. A failure during the half_open
// trial reopens the breaker immediately and restarts the recovery timer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.lastFailureAt = cb.nowFn()
		return
	}
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = StateOpen
		cb.lastFailureAt = cb.nowFn()
	}
}

// State returns the current state string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// SetClock overrides the breaker clock, primarily for tests.
func (cb *CircuitBreaker) SetClock(f func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFn = f
}
