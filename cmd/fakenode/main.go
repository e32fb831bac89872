// Fakenode is a stand-in discovery node used to exercise the selector and
// gateway locally. It serves /health_check with a configurable version and
// lag, and answers every other path with a small JSON echo.
//
// Usage:
//
//	go run ./cmd/fakenode --addr :8081 --version 1.2.3 --block-diff 0
//
// PUT /health_check?block_diff=N&status=C changes the reported lag or the
// health status code while the node is running.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/pflag"

	"github.com/angeloszaimis/node-selector/pkg/logger"
)

type nodeOptions struct {
	Service   string
	Version   string
	BlockDiff int64
	SlotDiff  int64
}

type node struct {
	mu     sync.RWMutex
	opts   nodeOptions
	status int
	log    *slog.Logger
}

// newRequestID generates a random v4 UUID per RFC 4122.
func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hex.EncodeToString(b[0:4]),
		hex.EncodeToString(b[4:6]),
		hex.EncodeToString(b[6:8]),
		hex.EncodeToString(b[8:10]),
		hex.EncodeToString(b[10:16]),
	)
}

func newNode(opts nodeOptions, log *slog.Logger) *node {
	return &node{opts: opts, status: http.StatusOK, log: log}
}

func (n *node) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health_check", n.healthCheck)
	mux.HandleFunc("/", n.echo)
	return mux
}

func (n *node) healthCheck(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		n.update(w, r)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n.mu.RLock()
	opts, status := n.opts, n.status
	n.mu.RUnlock()

	body := map[string]any{
		"data": map[string]any{
			"service":          opts.Service,
			"version":          opts.Version,
			"block_difference": opts.BlockDiff,
			"plays": map[string]any{
				"tx_info": map[string]any{"slot_diff": opts.SlotDiff},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (n *node) update(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	n.mu.Lock()
	defer n.mu.Unlock()

	if raw := q.Get("block_diff"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid block_diff", http.StatusBadRequest)
			return
		}
		n.opts.BlockDiff = v
	}
	if raw := q.Get("status"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 100 || v > 599 {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		n.status = v
	}

	n.log.Info("health updated",
		slog.Int64("block_diff", n.opts.BlockDiff),
		slog.Int("status", n.status))
	w.WriteHeader(http.StatusNoContent)
}

func (n *node) echo(w http.ResponseWriter, r *http.Request) {
	n.log.Info("request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("from", r.RemoteAddr))

	resp := map[string]any{
		"request_id": newRequestID(),
		"path":       r.URL.Path,
		"version":    n.opts.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func main() {
	fs := pflag.NewFlagSet("fakenode", pflag.ExitOnError)
	addr := fs.String("addr", ":8081", "address to listen on")
	service := fs.String("service", "discovery-node", "service type reported by /health_check")
	version := fs.String("version", "1.0.0", "version reported by /health_check")
	blockDiff := fs.Int64("block-diff", 0, "block difference reported by /health_check")
	slotDiff := fs.Int64("slot-diff", 0, "plays slot difference reported by /health_check")
	level := fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	log := logger.New(logger.Options{Level: *level, Environment: "dev"}).With(slog.String("addr", *addr))

	n := newNode(nodeOptions{
		Service:   *service,
		Version:   *version,
		BlockDiff: *blockDiff,
		SlotDiff:  *slotDiff,
	}, log)

	log.Info("starting fake node", slog.String("version", *version))
	if err := http.ListenAndServe(*addr, n.routes()); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
