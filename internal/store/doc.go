// Package store provides Store implementations for persisting the last
// selection: an in-memory LRU for single-process use and a bolt file for
// reuse across restarts.
package store
