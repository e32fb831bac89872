package selection

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/angeloszaimis/node-selector/internal/healthcheck"
)

const (
	DefaultServiceType        = "discovery-node"
	DefaultReselectTimeout    = 10 * time.Minute
	DefaultRequestTimeout     = 30 * time.Second
	DefaultUnhealthyBlockDiff = 15
)

// Options configures a Selector. Zero and nil values fall back to the
// defaults above unless documented otherwise.
// Options are copied by New and never change afterwards.
type Options struct {
	ServiceType string

	// Whitelist, when non-empty, restricts candidates to these endpoints.
	Whitelist []string
	Blacklist []string
	// Exclude, when set, is asked before probing a candidate or reusing a
	// cached selection. Excluded endpoints are skipped for as long as it
	// keeps returning true.
	Exclude func(endpoint string) bool

	ReselectTimeout time.Duration
	RequestTimeout  time.Duration

	// UnhealthyBlockDiff is the largest block lag a Healthy node may report.
	// Nil uses DefaultUnhealthyBlockDiff; zero tolerates no lag at all.
	UnhealthyBlockDiff     *int64
	UnhealthySlotDiffPlays *int64

	RegressedModeTimeout time.Duration

	CacheKey string
	Store    Store
	Monitor  Monitor
	OnSelect SelectionCallback

	HTTPClient healthcheck.Doer
	Clock      clock.Clock
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ServiceType == "" {
		o.ServiceType = DefaultServiceType
	}
	if o.ReselectTimeout <= 0 {
		o.ReselectTimeout = DefaultReselectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	// Thresholds are copied so later writes through the caller's pointers
	// cannot change a running Selector.
	diff := int64(DefaultUnhealthyBlockDiff)
	if o.UnhealthyBlockDiff != nil && *o.UnhealthyBlockDiff >= 0 {
		diff = *o.UnhealthyBlockDiff
	}
	o.UnhealthyBlockDiff = &diff
	if o.UnhealthySlotDiffPlays != nil {
		slots := *o.UnhealthySlotDiffPlays
		o.UnhealthySlotDiffPlays = &slots
	}
	if o.RegressedModeTimeout <= 0 {
		o.RegressedModeTimeout = DefaultRegressedModeTimeout
	}
	if o.CacheKey == "" {
		o.CacheKey = DefaultCacheKey
	}
	if o.Monitor == nil {
		o.Monitor = NopMonitor{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
