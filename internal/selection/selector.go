package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/node-selector/internal/healthcheck"
	"github.com/angeloszaimis/node-selector/internal/store"
)

// Selector chooses one node for a service role and remembers the choice.
type Selector struct {
	opts       Options
	registry   Registry
	prober     *healthcheck.Prober
	cache      *resultCache
	whitelist  map[string]struct{}
	blacklist  map[string]struct{}
	thresholds Thresholds
	clock      clock.Clock
	log        *slog.Logger
	group      singleflight.Group

	mu          sync.Mutex
	state       State
	regressedAt time.Time
	window      []*semver.Version
}

type roundResult struct {
	endpoint string
	trace    []Decision
}

// New creates a Selector over registry. A nil Store in opts falls back to an
// in-memory store.
func New(registry Registry, opts Options) (*Selector, error) {
	if registry == nil {
		return nil, errors.New("selection: registry is required")
	}

	opts = opts.withDefaults()
	if opts.Store == nil {
		opts.Store = store.NewMemory(0)
	}

	log := opts.Logger.With(slog.String("service_type", opts.ServiceType))

	s := &Selector{
		opts:      opts,
		registry:  registry,
		whitelist: toSet(opts.Whitelist),
		blacklist: toSet(opts.Blacklist),
		thresholds: Thresholds{
			UnhealthyBlockDiff:     *opts.UnhealthyBlockDiff,
			UnhealthySlotDiffPlays: opts.UnhealthySlotDiffPlays,
		},
		clock: opts.Clock,
		log:   log,
		state: StateIdle,
	}

	s.cache = &resultCache{
		store: opts.Store,
		key:   opts.CacheKey,
		ttl:   opts.ReselectTimeout,
		clock: opts.Clock,
		log:   log,
	}

	s.prober = healthcheck.NewProber(opts.RequestTimeout,
		healthcheck.WithClient(opts.HTTPClient),
		healthcheck.WithLogger(log),
		healthcheck.WithClock(opts.Clock),
		healthcheck.WithService(opts.ServiceType),
		healthcheck.WithObserver(s.reportHealthCheck),
	)

	return s, nil
}

// Select returns the endpoint to route requests to, or "" when no provider is
// currently available. Only registry failures are returned as errors.
//
// A cached selection younger than ReselectTimeout is returned without any
// network activity. Concurrent calls share a single probe round.
func (s *Selector) Select(ctx context.Context) (string, error) {
	if endpoint, ok := s.cachedSelection(ctx); ok {
		s.notifySelection(endpoint, []Decision{{
			Stage:    StageShortCircuit,
			Endpoint: endpoint,
			Reason:   "cached selection within reselect timeout",
		}})
		return endpoint, nil
	}

	v, err, _ := s.group.Do("select", func() (any, error) {
		return s.round(ctx)
	})
	if err != nil {
		return "", err
	}

	res := v.(roundResult)
	s.notifySelection(res.endpoint, slices.Clone(res.trace))
	return res.endpoint, nil
}

// Cached returns the current cached selection without probing.
func (s *Selector) Cached(ctx context.Context) (string, bool) {
	return s.cachedSelection(ctx)
}

// IsInRegressedMode reports whether the last successful round had to settle
// for a stale backup less than RegressedModeTimeout ago.
func (s *Selector) IsInRegressedMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return regressed(s.regressedAt, s.clock.Now(), s.opts.RegressedModeTimeout)
}

func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClearCached drops the cached selection so the next Select probes again.
func (s *Selector) ClearCached(ctx context.Context) error {
	s.setState(StateIdle)
	if err := s.cache.remove(ctx); err != nil {
		return fmt.Errorf("clear cached selection: %w", err)
	}
	return nil
}

// ClearUnhealthy resets the selector after its node was found unusable by a
// caller. It has the same effect as ClearCached.
func (s *Selector) ClearUnhealthy(ctx context.Context) error {
	return s.ClearCached(ctx)
}

// ReportRequest forwards a routed request's outcome to the Monitor.
func (s *Selector) ReportRequest(payload RequestPayload) {
	if payload.Timestamp.IsZero() {
		payload.Timestamp = s.clock.Now()
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("request monitor panicked", slog.Any("panic", r))
		}
	}()
	s.opts.Monitor.Request(payload)
}

func (s *Selector) round(ctx context.Context) (roundResult, error) {
	s.setState(StateProbing)

	candidates, err := s.registry.Candidates(ctx)
	if err != nil {
		s.setState(StateFailed)
		return roundResult{}, fmt.Errorf("%w: candidates: %w", ErrRegistry, err)
	}

	rawCurrent, err := s.registry.CurrentVersion(ctx)
	if err != nil {
		s.setState(StateFailed)
		return roundResult{}, fmt.Errorf("%w: current version: %w", ErrRegistry, err)
	}
	current, err := parseRegistryVersion(rawCurrent)
	if err != nil {
		s.setState(StateFailed)
		return roundResult{}, fmt.Errorf("%w: current version: %w", ErrRegistry, err)
	}

	allowed, trace := s.filter(candidates)
	if len(allowed) == 0 {
		trace = append(trace, Decision{Stage: StageNoCandidates, Reason: "no candidates left after filtering"})
		return s.fail(trace), nil
	}

	endpoints := make([]string, len(allowed))
	for i, c := range allowed {
		endpoints[i] = c.Endpoint
	}

	// Probes outlive an abandoned caller; each one is still time-boxed.
	results := s.prober.Probe(context.WithoutCancel(ctx), endpoints)

	classifier := Classifier{
		ServiceType:    s.opts.ServiceType,
		CurrentVersion: current,
		Thresholds:     s.thresholds,
	}

	var healthy []Classification
	backups := NewBackupMap()
	for i, res := range results {
		c := classifier.Classify(allowed[i], res)
		trace = append(trace, decisionFor(StageClassified, c))

		switch c.Kind {
		case KindHealthy:
			healthy = append(healthy, c)
		case KindBackup:
			backups.Add(c)
		}
	}

	if len(healthy) > 0 {
		winner := healthy[0]
		trace = append(trace, decisionFor(StageSelectedHealthy, winner))
		s.settle(ctx, winner, false)
		return roundResult{endpoint: winner.Candidate.Endpoint, trace: trace}, nil
	}

	if backups.Len() == 0 {
		trace = append(trace, Decision{Stage: StageExhausted, Reason: "no healthy or backup candidates"})
		return s.fail(trace), nil
	}

	resolver := BackupResolver{
		Window:     s.validVersions(ctx, current),
		Thresholds: s.thresholds,
	}
	resolution := resolver.Resolve(backups)
	trace = append(trace, resolution.Trace...)

	if !resolution.Found {
		trace = append(trace, Decision{Stage: StageExhausted, Reason: "no backup within the valid version window"})
		return s.fail(trace), nil
	}

	s.settle(ctx, resolution.Winner, resolution.Regressed)
	return roundResult{endpoint: resolution.Winner.Candidate.Endpoint, trace: trace}, nil
}

// filter applies the whitelist, the blacklist and Exclude, dropping duplicate
// and empty endpoints while preserving registry order.
func (s *Selector) filter(candidates []Candidate) ([]Candidate, []Decision) {
	var trace []Decision
	seen := make(map[string]struct{}, len(candidates))
	allowed := make([]Candidate, 0, len(candidates))

	for _, c := range candidates {
		if c.Endpoint == "" {
			continue
		}
		if _, dup := seen[c.Endpoint]; dup {
			continue
		}
		seen[c.Endpoint] = struct{}{}

		if reason, ok := s.allowed(c.Endpoint); !ok {
			trace = append(trace, Decision{
				Stage:    StageFiltered,
				Endpoint: c.Endpoint,
				Kind:     KindRejected,
				Reason:   reason,
			})
			continue
		}
		allowed = append(allowed, c)
	}

	return allowed, trace
}

func (s *Selector) allowed(endpoint string) (string, bool) {
	if len(s.whitelist) > 0 {
		if _, ok := s.whitelist[endpoint]; !ok {
			return "not whitelisted", false
		}
	}
	if _, ok := s.blacklist[endpoint]; ok {
		return "blacklisted", false
	}
	if s.opts.Exclude != nil && s.opts.Exclude(endpoint) {
		return "excluded", false
	}
	return "", true
}

func (s *Selector) cachedSelection(ctx context.Context) (string, bool) {
	endpoint, ok := s.cache.get(ctx)
	if !ok {
		return "", false
	}

	if reason, allowed := s.allowed(endpoint); !allowed {
		s.log.Info("dropping cached selection",
			slog.String("endpoint", endpoint),
			slog.String("reason", reason))
		if err := s.cache.remove(ctx); err != nil {
			s.log.Warn("failed to drop cached selection", slog.Any("err", err))
		}
		return "", false
	}

	return endpoint, true
}

// validVersions returns the memoized version window, fetching it on first
// use. The round's current version is always part of the result.
func (s *Selector) validVersions(ctx context.Context, current *semver.Version) []*semver.Version {
	s.mu.Lock()
	window := s.window
	s.mu.Unlock()

	if window == nil {
		fetched, err := fetchVersionWindow(ctx, s.registry, current, s.log)
		if err != nil {
			s.log.Warn("failed to fetch valid versions, using current only",
				slog.String("current", current.String()),
				slog.Any("err", err))
			return []*semver.Version{current}
		}

		s.mu.Lock()
		if s.window == nil {
			s.window = fetched
		}
		window = s.window
		s.mu.Unlock()
	}

	for _, v := range window {
		if v.Equal(current) {
			return window
		}
	}
	return append(slices.Clone(window), current)
}

func (s *Selector) settle(ctx context.Context, winner Classification, regressedFallback bool) {
	endpoint := winner.Candidate.Endpoint
	s.cache.set(ctx, endpoint)

	s.mu.Lock()
	wasRegressed := regressed(s.regressedAt, s.clock.Now(), s.opts.RegressedModeTimeout)
	if regressedFallback {
		s.regressedAt = s.clock.Now()
		s.state = StateRegressed
	} else {
		s.regressedAt = time.Time{}
		s.state = StateSelected
	}
	s.mu.Unlock()

	attrs := []any{
		slog.String("endpoint", endpoint),
		slog.String("kind", string(winner.Kind)),
	}
	if winner.Snapshot != nil {
		attrs = append(attrs,
			slog.String("version", winner.Snapshot.Version.String()),
			slog.Int64("block_diff", winner.Snapshot.BlockDifference))
	}

	switch {
	case regressedFallback:
		s.log.Warn("Entering regressed mode, selected stale node", attrs...)
	case wasRegressed:
		s.log.Info("Leaving regressed mode", attrs...)
	default:
		s.log.Info("Selected node", attrs...)
	}
}

func (s *Selector) fail(trace []Decision) roundResult {
	s.setState(StateFailed)
	s.log.Warn("No node available")
	return roundResult{trace: trace}
}

func (s *Selector) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Selector) notifySelection(endpoint string, trace []Decision) {
	if s.opts.OnSelect == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("selection callback panicked", slog.Any("panic", r))
		}
	}()
	s.opts.OnSelect(endpoint, trace)
}

func (s *Selector) reportHealthCheck(res healthcheck.Result) {
	payload := HealthCheckPayload{
		Endpoint:  res.Endpoint,
		Timestamp: s.clock.Now(),
		Duration:  res.Duration,
		OK:        res.OK(),
	}

	if res.Err != nil {
		payload.StatusCode = res.Err.StatusCode
		payload.ErrorKind = string(res.Err.Kind)
		payload.Error = res.Err.Error()
	}
	if snap := res.Snapshot; snap != nil {
		payload.StatusCode = snap.StatusCode
		payload.Version = snap.Version.String()
		payload.BlockDifference = snap.BlockDifference
		payload.SlotDifferencePlays = snap.SlotDifferencePlays
		payload.Raw = snap.Raw
	}

	s.opts.Monitor.HealthCheck(payload)
}
