// Package logger builds the structured slog loggers used across the selector
// and the gateway. Development environments get a text handler, production
// gets JSON, and every record carries the environment it was emitted from.
package logger
