package selection

import (
	"errors"

	"github.com/angeloszaimis/node-selector/internal/healthcheck"
)

var (
	// ErrRegistry wraps failures of the registry lookup that precedes probing.
	ErrRegistry = errors.New("registry lookup failed")

	// ErrNoProvider is returned by callers one layer up when Select yields no
	// endpoint. Select itself reports that case as an empty string.
	ErrNoProvider = errors.New("no provider currently available")

	ErrInvalidVersion = errors.New("invalid semantic version")
)

// Kind is the outcome of classifying one candidate.
type Kind string

const (
	KindHealthy  Kind = "healthy"
	KindBackup   Kind = "backup"
	KindRejected Kind = "rejected"
)

// Classification tags a candidate with its Kind. Snapshot is nil for
// candidates rejected on a failed probe.
type Classification struct {
	Kind      Kind
	Candidate Candidate
	Snapshot  *healthcheck.Snapshot
	Reason    string
}

// Stage names the step of a round that produced a Decision.
type Stage string

const (
	StageShortCircuit      Stage = "short_circuit"
	StageFiltered          Stage = "filtered"
	StageClassified        Stage = "classified"
	StageSelectedHealthy   Stage = "selected_healthy"
	StageBackupDiscarded   Stage = "backup_discarded"
	StageSelectedBackup    Stage = "selected_backup"
	StageSelectedRegressed Stage = "selected_regressed"
	StageNoCandidates      Stage = "no_candidates"
	StageExhausted         Stage = "exhausted"
)

// Decision is one entry of a round's trace.
type Decision struct {
	Stage           Stage
	Endpoint        string
	Kind            Kind
	Reason          string
	Version         string
	BlockDifference int64
}

func decisionFor(stage Stage, c Classification) Decision {
	d := Decision{
		Stage:    stage,
		Endpoint: c.Candidate.Endpoint,
		Kind:     c.Kind,
		Reason:   c.Reason,
	}
	if c.Snapshot != nil {
		d.Version = c.Snapshot.Version.String()
		d.BlockDifference = c.Snapshot.BlockDifference
	}
	return d
}

// State is the selector's position in its round lifecycle.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateSelected
	StateRegressed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProbing:
		return "PROBING"
	case StateSelected:
		return "SELECTED"
	case StateRegressed:
		return "REGRESSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
