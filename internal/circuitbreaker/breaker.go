package circuitbreaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Testing with one request
)

type CircuitBreaker struct {
	mutex            sync.Mutex
	clock            clock.Clock
	state            State
	failures         int
	lastFailure      time.Time
	failureThreshold int
	resetTimeout     time.Duration
}

func NewCircuitBreaker(threshold int, timeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		clock:            clk,
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Tripped reports whether the breaker is open and its reset timeout has not
// yet passed. Unlike Allow it never changes state.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state == StateOpen && cb.clock.Since(cb.lastFailure) < cb.resetTimeout
}

// RecordFailure counts a failed request and reports whether this failure
// moved the breaker into the open state.
func (cb *CircuitBreaker) RecordFailure() (opened bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailure = cb.clock.Now()

	if cb.state == StateOpen {
		return false
	}

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
