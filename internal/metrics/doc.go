// Package metrics collects observability data about node selection.
//
// The Collector implements selection.Monitor and a selection callback. Events
// are pushed onto a buffered channel without blocking the caller and folded
// by a dedicated goroutine into:
//   - a per-node in-memory view (probe results, request counts, response
//     time percentiles, status codes) served as JSON
//   - Prometheus instruments served on /metrics
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, prometheus.NewRegistry(), logger)
//	collector.Start(ctx)
//
//	sel, _ := selection.New(reg, selection.Options{
//		Monitor:  collector,
//		OnSelect: collector.OnSelect,
//	})
//
//	snapshot := collector.Snapshot()
//
// Events still buffered when the context is cancelled are drained before the
// collector stops.
package metrics
