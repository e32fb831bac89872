package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const maxBodyBytes = 1 << 20

// Doer is the transport used to issue health check requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the outcome of probing one endpoint. Exactly one of Snapshot and
// Err is set.
type Result struct {
	Endpoint string
	Snapshot *Snapshot
	Err      *ProbeError
	Duration time.Duration
}

// OK reports whether the probe produced a Snapshot.
func (r Result) OK() bool {
	return r.Err == nil && r.Snapshot != nil
}

// Prober runs bounded, concurrent health check rounds.
type Prober struct {
	client   Doer
	timeout  time.Duration
	service  string
	logger   *slog.Logger
	clock    clock.Clock
	observer func(Result)
}

type Option func(*Prober)

func WithClient(client Doer) Option {
	return func(p *Prober) {
		if client != nil {
			p.client = client
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithService makes probes fail with KindServiceMismatch when a node reports
// a service other than service.
func WithService(service string) Option {
	return func(p *Prober) {
		p.service = service
	}
}

// WithObserver registers a side-effecting hook invoked once per probe result.
// Panics raised by the hook are recovered and logged.
func WithObserver(fn func(Result)) Option {
	return func(p *Prober) {
		p.observer = fn
	}
}

// NewProber creates a Prober whose individual probes are bounded by timeout.
func NewProber(timeout time.Duration, opts ...Option) *Prober {
	p := &Prober{
		client:  &http.Client{},
		timeout: timeout,
		logger:  slog.Default(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks every endpoint concurrently and waits for all of them to settle.
// Results are returned in the order of endpoints. The round never fails as a
// whole; each failure is reported on its own Result.
func (p *Prober) Probe(ctx context.Context, endpoints []string) []Result {
	results := make([]Result, len(endpoints))

	var g errgroup.Group
	for i, endpoint := range endpoints {
		g.Go(func() error {
			results[i] = p.ProbeOne(ctx, endpoint)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ProbeOne issues a single GET {endpoint}/health_check bounded by the prober timeout.
func (p *Prober) ProbeOne(ctx context.Context, endpoint string) Result {
	start := p.clock.Now()
	snap, err := p.check(ctx, endpoint)

	res := Result{
		Endpoint: endpoint,
		Snapshot: snap,
		Err:      err,
		Duration: p.clock.Since(start),
	}

	if err != nil {
		p.logger.Debug("health check failed",
			slog.String("endpoint", endpoint),
			slog.String("kind", string(err.Kind)),
			slog.Any("err", err.Err))
	}

	p.notify(res)
	return res
}

func (p *Prober) check(ctx context.Context, endpoint string) (*Snapshot, *ProbeError) {
	healthURL, err := url.JoinPath(endpoint, Path)
	if err != nil {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindNetwork, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &ProbeError{Endpoint: endpoint, Kind: kind, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBodyBytes))
		return nil, &ProbeError{
			Endpoint:   endpoint,
			Kind:       KindStatus,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", res.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		kind := KindNetwork
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &ProbeError{Endpoint: endpoint, Kind: kind, StatusCode: res.StatusCode, Err: err}
	}

	snap, err := Parse(endpoint, res.StatusCode, body)
	if err != nil {
		var perr *ProbeError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindMalformed, StatusCode: res.StatusCode, Err: err}
	}

	if p.service != "" && snap.ServiceType != p.service {
		return nil, &ProbeError{
			Endpoint:   endpoint,
			Kind:       KindServiceMismatch,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("service %q, want %q", snap.ServiceType, p.service),
		}
	}

	return snap, nil
}

func (p *Prober) notify(res Result) {
	if p.observer == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("health check observer panicked",
				slog.String("endpoint", res.Endpoint),
				slog.Any("panic", r))
		}
	}()

	p.observer(res)
}
