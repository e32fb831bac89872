package selection

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/angeloszaimis/node-selector/internal/healthcheck"
)

// Thresholds decide when a snapshot is too far behind to be Healthy.
type Thresholds struct {
	UnhealthyBlockDiff int64
	// UnhealthySlotDiffPlays is optional; nil disables the slot check.
	UnhealthySlotDiffPlays *int64
}

// Stale reports whether snap exceeds any configured staleness threshold.
// A node that does not report a slot difference is never stale on slots.
func (t Thresholds) Stale(snap *healthcheck.Snapshot) bool {
	if snap.BlockDifference > t.UnhealthyBlockDiff {
		return true
	}
	if t.UnhealthySlotDiffPlays != nil && snap.SlotDifferencePlays != nil &&
		*snap.SlotDifferencePlays > *t.UnhealthySlotDiffPlays {
		return true
	}
	return false
}

// Classifier sorts probe results into Healthy, Backup and Rejected.
type Classifier struct {
	ServiceType    string
	CurrentVersion *semver.Version
	Thresholds     Thresholds
}

// Classify applies, in order: probe validity, service role, major.minor
// compatibility, version recency, then staleness.
func (c Classifier) Classify(cand Candidate, res healthcheck.Result) Classification {
	out := Classification{Candidate: cand, Kind: KindRejected}

	if res.Err != nil {
		out.Reason = string(res.Err.Kind)
		return out
	}
	snap := res.Snapshot
	if snap == nil {
		out.Reason = "no snapshot"
		return out
	}
	out.Snapshot = snap

	if snap.StatusCode != 0 && snap.StatusCode != 200 {
		out.Reason = fmt.Sprintf("status %d", snap.StatusCode)
		return out
	}

	if snap.ServiceType != c.ServiceType {
		out.Reason = fmt.Sprintf("%s: got %q, want %q", healthcheck.KindServiceMismatch, snap.ServiceType, c.ServiceType)
		return out
	}

	if olderMajorMinor(snap.Version, c.CurrentVersion) {
		out.Reason = fmt.Sprintf("version %s older than %d.%d", snap.Version, c.CurrentVersion.Major(), c.CurrentVersion.Minor())
		return out
	}

	if snap.Version.LessThan(c.CurrentVersion) {
		out.Kind = KindBackup
		out.Reason = fmt.Sprintf("version %s behind current %s", snap.Version, c.CurrentVersion)
		return out
	}

	if c.Thresholds.Stale(snap) {
		out.Kind = KindBackup
		out.Reason = fmt.Sprintf("stale: block_difference %d", snap.BlockDifference)
		if snap.SlotDifferencePlays != nil {
			out.Reason += fmt.Sprintf(", slot_diff_plays %d", *snap.SlotDifferencePlays)
		}
		return out
	}

	out.Kind = KindHealthy
	out.Reason = "current version and fresh"
	return out
}
