// Package registry provides selection.Registry adapters: a Static registry
// built from configuration and an HTTP registry that reads a JSON document
// describing the registered nodes and version history.
package registry
