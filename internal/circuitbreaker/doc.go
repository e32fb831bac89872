// Package circuitbreaker tracks consecutive failures of selected nodes.
//
// A breaker opens once its node has failed too many times in a row. The
// gateway reacts to an opening breaker by clearing the cached selection, so
// the next request runs a fresh selection round. States:
//
//   - CLOSED: Normal operation, requests pass through
//   - OPEN: Node failing, requests blocked
//   - HALF-OPEN: Testing if the node recovered
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second, clock.New())
//	cb := registry.GetBreaker("https://dn1.example")
//	if cb.Allow() {
//	    // Make request...
//	    if err != nil {
//	        if cb.RecordFailure() {
//	            // just opened
//	        }
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
