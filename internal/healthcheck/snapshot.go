package healthcheck

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Path is appended to a node endpoint to build its health check URL.
const Path = "health_check"

// Snapshot is the parsed result of one successful health check.
type Snapshot struct {
	Endpoint            string
	StatusCode          int
	ServiceType         string
	Version             *semver.Version
	BlockDifference     int64
	SlotDifferencePlays *int64 // nil when the node does not report plays
	Git                 string
	DBBlockNumber       *int64
	WebBlockNumber      *int64
	Raw                 map[string]any
}

// ErrorKind classifies why a probe did not produce a Snapshot.
type ErrorKind string

const (
	KindNetwork         ErrorKind = "network"
	KindTimeout         ErrorKind = "timeout"
	KindStatus          ErrorKind = "status"
	KindMalformed       ErrorKind = "malformed"
	KindInvalidVersion  ErrorKind = "invalid_version"
	KindServiceMismatch ErrorKind = "service_mismatch"
)

// ProbeError describes a failed or unusable probe. It carries no staleness data.
type ProbeError struct {
	Endpoint   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("probe %s: %s (status %d): %v", e.Endpoint, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("probe %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Malformed reports whether the node answered but the body was unusable.
func (e *ProbeError) Malformed() bool {
	switch e.Kind {
	case KindMalformed, KindInvalidVersion, KindServiceMismatch:
		return true
	}
	return false
}

var (
	errMissingData    = errors.New("response has no data object")
	errMissingService = errors.New("response has no service")
	errMissingVersion = errors.New("response has no version")
)

type healthResponse struct {
	Data *struct {
		Service         string   `json:"service"`
		Version         string   `json:"version"`
		BlockDifference *float64 `json:"block_difference"`
		Plays           *struct {
			TxInfo *struct {
				SlotDiff *float64 `json:"slot_diff"`
			} `json:"tx_info"`
		} `json:"plays"`
		Git string `json:"git"`
		DB  *struct {
			Number *float64 `json:"number"`
		} `json:"db"`
		Web *struct {
			BlockNumber *float64 `json:"blocknumber"`
		} `json:"web"`
	} `json:"data"`
}

// ParseVersion accepts a strict X.Y.Z semantic version with an optional
// leading "v".
func ParseVersion(raw string) (*semver.Version, error) {
	return semver.StrictNewVersion(strings.TrimPrefix(strings.TrimSpace(raw), "v"))
}

// Parse decodes a 200 health check body. The returned error is always a
// *ProbeError.
func Parse(endpoint string, statusCode int, body []byte) (*Snapshot, error) {
	var resp healthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindMalformed, StatusCode: statusCode, Err: err}
	}

	if resp.Data == nil {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindMalformed, StatusCode: statusCode, Err: errMissingData}
	}
	if resp.Data.Service == "" {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindMalformed, StatusCode: statusCode, Err: errMissingService}
	}
	if resp.Data.Version == "" {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindMalformed, StatusCode: statusCode, Err: errMissingVersion}
	}

	version, err := ParseVersion(resp.Data.Version)
	if err != nil {
		return nil, &ProbeError{Endpoint: endpoint, Kind: KindInvalidVersion, StatusCode: statusCode,
			Err: fmt.Errorf("version %q: %w", resp.Data.Version, err)}
	}

	var raw map[string]any
	// Already decoded once, so this cannot fail on syntax.
	_ = json.Unmarshal(body, &raw)

	snap := &Snapshot{
		Endpoint:    endpoint,
		StatusCode:  statusCode,
		ServiceType: resp.Data.Service,
		Version:     version,
		Git:         resp.Data.Git,
		Raw:         raw,
	}

	if resp.Data.BlockDifference != nil {
		snap.BlockDifference = ceilInt64(*resp.Data.BlockDifference)
	}
	if p := resp.Data.Plays; p != nil && p.TxInfo != nil && p.TxInfo.SlotDiff != nil {
		v := ceilInt64(*p.TxInfo.SlotDiff)
		snap.SlotDifferencePlays = &v
	}
	if resp.Data.DB != nil && resp.Data.DB.Number != nil {
		v := clampInt64(math.Trunc(*resp.Data.DB.Number))
		snap.DBBlockNumber = &v
	}
	if resp.Data.Web != nil && resp.Data.Web.BlockNumber != nil {
		v := clampInt64(math.Trunc(*resp.Data.Web.BlockNumber))
		snap.WebBlockNumber = &v
	}

	return snap, nil
}

// ceilInt64 rounds a lag up so that any fraction above a threshold still
// counts as over it.
func ceilInt64(f float64) int64 {
	return clampInt64(math.Ceil(f))
}

// clampInt64 saturates f to the int64 range. JSON numbers are always
// finite, so NaN and infinities never reach it.
func clampInt64(f float64) int64 {
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
