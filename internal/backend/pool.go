package backend

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPoolSize = 64

// Pool hands out one Backend per node endpoint. The least recently used
// proxies are dropped once the pool is full.
type Pool struct {
	backends  *lru.Cache[string, *Backend]
	transport http.RoundTripper
}

// NewPool creates a pool whose proxies wait at most responseTimeout for
// response headers from a node.
func NewPool(size int, responseTimeout time.Duration) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}

	// lru.New only fails on a non-positive size.
	backends, _ := lru.New[string, *Backend](size)

	return &Pool{
		backends: backends,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: responseTimeout,
		},
	}
}

// Get returns the Backend for endpoint, creating it on first use.
func (p *Pool) Get(endpoint string) (*Backend, error) {
	if b, ok := p.backends.Get(endpoint); ok {
		return b, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse node endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("node endpoint %q must be an absolute URL", endpoint)
	}

	b := New(u, p.transport)
	if prev, ok, _ := p.backends.PeekOrAdd(endpoint, b); ok {
		return prev, nil
	}
	return b, nil
}

// Peek returns the Backend for endpoint without creating it.
func (p *Pool) Peek(endpoint string) (*Backend, bool) {
	return p.backends.Peek(endpoint)
}

func (p *Pool) Len() int {
	return p.backends.Len()
}
