package selection

import (
	"context"
	"time"
)

// Candidate is a registered node eligible for selection in one round.
type Candidate struct {
	Endpoint string
	SPID     uint64
	Owner    string
}

// Registry supplies candidates and version metadata for one service role.
type Registry interface {
	Candidates(ctx context.Context) ([]Candidate, error)
	CurrentVersion(ctx context.Context) (string, error)
	// VersionCount and Version expose the registered version history;
	// index VersionCount-1 is the newest.
	VersionCount(ctx context.Context) (int, error)
	Version(ctx context.Context, index int) (string, error)
}

// Store persists small string values across selector instances.
type Store interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// HealthCheckPayload is reported once per probe, successful or not.
type HealthCheckPayload struct {
	Endpoint            string
	Timestamp           time.Time
	Duration            time.Duration
	OK                  bool
	StatusCode          int
	ErrorKind           string
	Error               string
	Version             string
	BlockDifference     int64
	SlotDifferencePlays *int64
	Raw                 map[string]any
}

// RequestPayload is reported once per request routed to a selected node.
type RequestPayload struct {
	Endpoint   string
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	Timestamp  time.Time
	Error      string
}

// Monitor receives best-effort observability events. Implementations must
// not block; panics are recovered by the caller.
type Monitor interface {
	HealthCheck(payload HealthCheckPayload)
	Request(payload RequestPayload)
}

// NopMonitor discards every event.
type NopMonitor struct{}

func (NopMonitor) HealthCheck(HealthCheckPayload) {}
func (NopMonitor) Request(RequestPayload)         {}

// SelectionCallback is invoked once per Select call with the chosen endpoint
// (empty when none) and the decisions recorded along the way.
type SelectionCallback func(endpoint string, trace []Decision)
