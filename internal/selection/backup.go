package selection

import (
	"github.com/Masterminds/semver/v3"

	"github.com/angeloszaimis/node-selector/internal/healthcheck"
)

// BackupMap holds the backups seen during one round, keyed by endpoint and
// kept in registry order.
type BackupMap struct {
	order   []string
	entries map[string]Classification
}

func NewBackupMap() *BackupMap {
	return &BackupMap{entries: make(map[string]Classification)}
}

// Add records a backup. Later entries for the same endpoint replace the
// snapshot but keep the original position.
func (m *BackupMap) Add(c Classification) {
	ep := c.Candidate.Endpoint
	if _, ok := m.entries[ep]; !ok {
		m.order = append(m.order, ep)
	}
	m.entries[ep] = c
}

func (m *BackupMap) Len() int {
	return len(m.order)
}

// Snapshot returns the last-seen snapshot for endpoint.
func (m *BackupMap) Snapshot(endpoint string) (*healthcheck.Snapshot, bool) {
	c, ok := m.entries[endpoint]
	if !ok {
		return nil, false
	}
	return c.Snapshot, true
}

func (m *BackupMap) list() []Classification {
	out := make([]Classification, 0, len(m.order))
	for _, ep := range m.order {
		out = append(out, m.entries[ep])
	}
	return out
}

// BackupResolution is the outcome of ranking backups.
type BackupResolution struct {
	Winner    Classification
	Found     bool
	Regressed bool
	Trace     []Decision
}

// BackupResolver ranks backups when no candidate is Healthy.
type BackupResolver struct {
	Window     []*semver.Version
	Thresholds Thresholds
}

// Resolve walks version groups newest first and returns the first backup
// whose staleness is acceptable. Failing that it returns the globally least
// stale backup and marks the resolution as regressed.
func (r BackupResolver) Resolve(backups *BackupMap) BackupResolution {
	var res BackupResolution

	var eligible []Classification
	for _, c := range backups.list() {
		if !inWindow(c.Snapshot.Version, r.Window) {
			c.Reason = "version " + c.Snapshot.Version.String() + " outside valid version window"
			res.Trace = append(res.Trace, decisionFor(StageBackupDiscarded, c))
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		return res
	}

	for _, group := range groupByVersion(eligible) {
		for _, c := range group {
			if r.Thresholds.Stale(c.Snapshot) {
				continue
			}
			c.Reason = "freshest acceptable backup in version " + c.Snapshot.Version.String()
			res.Winner = c
			res.Found = true
			res.Trace = append(res.Trace, decisionFor(StageSelectedBackup, c))
			return res
		}
	}

	best := eligible[0]
	for _, c := range eligible[1:] {
		if lessStale(c.Snapshot, best.Snapshot) {
			best = c
		}
	}
	best.Reason = "least stale backup, entering regressed mode"
	res.Winner = best
	res.Found = true
	res.Regressed = true
	res.Trace = append(res.Trace, decisionFor(StageSelectedRegressed, best))
	return res
}

// groupByVersion buckets backups by exact version, newest version first,
// preserving registry order inside each bucket.
func groupByVersion(backups []Classification) [][]Classification {
	var versions []*semver.Version
	buckets := make(map[string][]Classification)

	for _, c := range backups {
		key := c.Snapshot.Version.String()
		if _, ok := buckets[key]; !ok {
			versions = append(versions, c.Snapshot.Version)
		}
		buckets[key] = append(buckets[key], c)
	}

	sortDescending(versions)

	groups := make([][]Classification, 0, len(versions))
	for _, v := range versions {
		groups = append(groups, buckets[v.String()])
	}
	return groups
}

// lessStale orders by block difference, then slot difference. Ties keep the
// earlier candidate.
func lessStale(a, b *healthcheck.Snapshot) bool {
	if a.BlockDifference != b.BlockDifference {
		return a.BlockDifference < b.BlockDifference
	}
	return slotDiff(a) < slotDiff(b)
}

func slotDiff(s *healthcheck.Snapshot) int64 {
	if s.SlotDifferencePlays == nil {
		return 0
	}
	return *s.SlotDifferencePlays
}
