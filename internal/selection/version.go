package selection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/angeloszaimis/node-selector/internal/healthcheck"
)

// MaxPriorVersions bounds how many registered versions before the current one
// are accepted for backups.
const MaxPriorVersions = 5

func sameMajorMinor(a, b *semver.Version) bool {
	return a.Major() == b.Major() && a.Minor() == b.Minor()
}

// olderMajorMinor reports whether v's major.minor sorts before ref's.
func olderMajorMinor(v, ref *semver.Version) bool {
	if v.Major() != ref.Major() {
		return v.Major() < ref.Major()
	}
	return v.Minor() < ref.Minor()
}

func inWindow(v *semver.Version, window []*semver.Version) bool {
	for _, w := range window {
		if sameMajorMinor(v, w) {
			return true
		}
	}
	return false
}

func parseRegistryVersion(raw string) (*semver.Version, error) {
	v, err := healthcheck.ParseVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, raw, err)
	}
	return v, nil
}

// fetchVersionWindow returns current followed by up to MaxPriorVersions
// registered versions that precede it, newest first. Unparsable registry
// entries are skipped.
func fetchVersionWindow(ctx context.Context, reg Registry, current *semver.Version, log *slog.Logger) ([]*semver.Version, error) {
	count, err := reg.VersionCount(ctx)
	if err != nil {
		return nil, err
	}

	window := []*semver.Version{current}
	for i := count - 1; i >= 0 && len(window) <= MaxPriorVersions; i-- {
		raw, err := reg.Version(ctx, i)
		if err != nil {
			return nil, err
		}

		v, err := parseRegistryVersion(raw)
		if err != nil {
			log.Warn("skipping registered version", slog.Int("index", i), slog.Any("err", err))
			continue
		}

		// Entries at or above current are not "preceding" versions.
		if !v.LessThan(current) {
			continue
		}
		window = append(window, v)
	}

	return window, nil
}

func sortDescending(versions []*semver.Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].GreaterThan(versions[j])
	})
}
