package circuitbreaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Registry holds one breaker per node endpoint.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
	clock     clock.Clock
}

func NewRegistry(threshold int, timeout time.Duration, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
		clock:     clk,
	}
}

func (r *Registry) GetBreaker(endpoint string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[endpoint]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[endpoint]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.threshold, r.timeout, r.clock)
	r.breakers[endpoint] = cb
	return cb
}

// Tripped reports whether endpoint has a breaker that is currently open.
// Endpoints without a breaker are never tripped.
func (r *Registry) Tripped(endpoint string) bool {
	r.mutex.RLock()
	cb, exists := r.breakers[endpoint]
	r.mutex.RUnlock()

	return exists && cb.Tripped()
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for endpoint, cb := range r.breakers {
		stats[endpoint] = cb.State()
	}
	return stats
}
