// Package handler implements the gateway's HTTP handlers. The gateway handler
// routes every request to the currently selected node and reports failures
// back to the selector; the status handler exposes the selector's state.
package handler
