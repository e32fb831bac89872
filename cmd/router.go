package main

import (
	"net/http"

	"github.com/angeloszaimis/node-selector/config"
	"github.com/angeloszaimis/node-selector/internal/circuitbreaker"
	"github.com/angeloszaimis/node-selector/internal/handler"
	"github.com/angeloszaimis/node-selector/internal/metrics"
)

const (
	statusPath = "/selector/status"
	nodesPath  = "/selector/nodes"
)

func setupRouter(cfg *config.Config, gateway *handler.GatewayHandler, src handler.StatusSource, breakers *circuitbreaker.Registry, collector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", gateway)
	mux.HandleFunc(statusPath, handler.StatusHandler(src, breakers))
	mux.HandleFunc(nodesPath, collector.Handler())

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, collector.PrometheusHandler())
	}

	return mux
}
