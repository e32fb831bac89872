// Package healthcheck probes candidate nodes on their /health_check endpoint.
// Probes run concurrently, each bounded by its own timeout, and every response
// is parsed into either a Snapshot or a ProbeError. Failures never escape a
// probe round.
package healthcheck
