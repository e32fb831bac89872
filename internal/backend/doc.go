// Package backend forwards requests to the selected node. It keeps one
// reverse proxy per node in a bounded Pool and tracks in-flight requests and
// response time for each.
package backend
