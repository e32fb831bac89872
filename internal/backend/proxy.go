package backend

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"
)

// Backend is a reverse proxy to one node with connection tracking and
// response time monitoring.
type Backend struct {
	url               *url.URL
	proxy             *httputil.ReverseProxy
	mutex             sync.Mutex
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
}

const ewmaAlpha = 0.2

type errorSlot struct {
	err error
}

type errorSlotKey struct{}

// New creates a Backend forwarding to u through transport. A nil transport
// uses http.DefaultTransport.
func New(u *url.URL, transport http.RoundTripper) *Backend {
	b := &Backend{url: u}

	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = u.Host
	}
	proxy.Transport = transport
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if slot, ok := r.Context().Value(errorSlotKey{}).(*errorSlot); ok {
			slot.err = err
		}
		w.WriteHeader(http.StatusBadGateway)
	}
	b.proxy = proxy

	return b
}

// ServeHTTP proxies r to the node and returns the transport error, if any.
// A transport error has already been answered with 502 Bad Gateway.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	b.IncrementConn()
	defer b.DecrementConn()

	slot := &errorSlot{}
	r = r.WithContext(context.WithValue(r.Context(), errorSlotKey{}, slot))

	start := time.Now()
	b.proxy.ServeHTTP(w, r)
	b.RecordResponse(time.Since(start))

	return slot.err
}

// URL returns the node URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

// IncrementConn increments the active connection count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the active connection count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the current number of active connections.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// response time using the latest request duration.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the exponentially weighted moving average response time.
// Returns 0 if no responses have been recorded yet.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}

	return b.ewmaResponseTime
}
