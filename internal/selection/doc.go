// Package selection picks a single healthy, sufficiently up-to-date node for a
// service role out of the candidates a registry advertises.
//
// A selection round probes every allowed candidate concurrently, classifies
// each response as Healthy, Backup or Rejected, and returns the first Healthy
// candidate in registry order. When no candidate is Healthy, backups are
// ranked by version recency and staleness; if even the best backup is stale
// the selector enters a time-boxed regressed mode that callers can query with
// IsInRegressedMode.
//
// Successful selections are cached in a Store for ReselectTimeout so that
// repeated calls do not issue probes. Ordinary node failures never surface as
// errors: an empty endpoint means no provider is currently available.
//
// Basic usage:
//
//	sel, err := selection.New(registry, selection.Options{
//		ServiceType:    "discovery-node",
//		RequestTimeout: 5 * time.Second,
//	})
//	endpoint, err := sel.Select(ctx)
//	if err == nil && endpoint == "" {
//		// no provider reachable right now
//	}
package selection
