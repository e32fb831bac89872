package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/node-selector/internal/backend"
	"github.com/angeloszaimis/node-selector/internal/circuitbreaker"
	"github.com/angeloszaimis/node-selector/internal/selection"
)

// SelectedNodeHeader names the node that served a proxied request.
const SelectedNodeHeader = "X-Selected-Node"

// Selector is the part of selection.Selector the gateway depends on.
type Selector interface {
	Select(ctx context.Context) (string, error)
	ClearUnhealthy(ctx context.Context) error
	ReportRequest(payload selection.RequestPayload)
}

type GatewayHandler struct {
	logger   *slog.Logger
	selector Selector
	pool     *backend.Pool
	breakers *circuitbreaker.Registry
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func NewGatewayHandler(logger *slog.Logger, sel Selector, pool *backend.Pool, breakers *circuitbreaker.Registry) *GatewayHandler {
	return &GatewayHandler{
		logger:   logger,
		selector: sel,
		pool:     pool,
		breakers: breakers,
	}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)

	h.logger.Debug("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("user_agent", r.UserAgent()))

	endpoint, err := h.selector.Select(r.Context())
	if err != nil {
		h.logger.Error("Node selection failed", slog.String("client", clientIP), slog.Any("err", err))
		http.Error(w, "Node registry unavailable", http.StatusServiceUnavailable)
		return
	}
	if endpoint == "" {
		h.logger.Warn("No node available", slog.String("client", clientIP))
		http.Error(w, selection.ErrNoProvider.Error(), http.StatusServiceUnavailable)
		return
	}

	// A selector wired with the breaker registry as its Exclude hook drops a
	// tripped node on its own, so there is nothing to clear here.
	cb := h.breakers.GetBreaker(endpoint)
	if !cb.Allow() {
		h.logger.Warn("Selected node is tripped",
			slog.String("endpoint", endpoint),
			slog.String("breaker", cb.State().String()))
		w.Header().Set("Retry-After", "1")
		http.Error(w, selection.ErrNoProvider.Error(), http.StatusServiceUnavailable)
		return
	}

	node, err := h.pool.Get(endpoint)
	if err != nil {
		h.logger.Error("Unusable node endpoint", slog.String("endpoint", endpoint), slog.Any("err", err))
		h.clearSelection(r.Context(), endpoint)
		http.Error(w, "Bad node endpoint", http.StatusBadGateway)
		return
	}

	w.Header().Set(SelectedNodeHeader, endpoint)

	start := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	proxyErr := node.ServeHTTP(wrapped, r)
	duration := time.Since(start)

	payload := selection.RequestPayload{
		Endpoint:   endpoint,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: wrapped.statusCode,
		Duration:   duration,
		Timestamp:  start,
	}

	switch {
	case proxyErr != nil && errors.Is(proxyErr, context.Canceled):
		// The client went away; that says nothing about the node.
		payload.Error = proxyErr.Error()
	case proxyErr != nil || wrapped.statusCode >= http.StatusInternalServerError:
		if proxyErr != nil {
			payload.Error = proxyErr.Error()
		}
		h.recordFailure(r.Context(), cb, endpoint, wrapped.statusCode, proxyErr)
	default:
		cb.RecordSuccess()
	}

	h.selector.ReportRequest(payload)
}

func (h *GatewayHandler) recordFailure(ctx context.Context, cb *circuitbreaker.CircuitBreaker, endpoint string, status int, err error) {
	h.logger.Warn("Node request failed",
		slog.String("endpoint", endpoint),
		slog.Int("status", status),
		slog.Any("err", err))

	if cb.RecordFailure() {
		h.logger.Warn("Too many failures, reselecting", slog.String("endpoint", endpoint))
		h.clearSelection(ctx, endpoint)
	}
}

func (h *GatewayHandler) clearSelection(ctx context.Context, endpoint string) {
	if err := h.selector.ClearUnhealthy(context.WithoutCancel(ctx)); err != nil {
		h.logger.Warn("Failed to clear selection", slog.String("endpoint", endpoint), slog.Any("err", err))
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
