package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/angeloszaimis/node-selector/config"
	"github.com/angeloszaimis/node-selector/internal/backend"
	"github.com/angeloszaimis/node-selector/internal/circuitbreaker"
	"github.com/angeloszaimis/node-selector/internal/handler"
	"github.com/angeloszaimis/node-selector/internal/httpserver"
	"github.com/angeloszaimis/node-selector/internal/metrics"
	"github.com/angeloszaimis/node-selector/internal/registry"
	"github.com/angeloszaimis/node-selector/internal/selection"
	"github.com/angeloszaimis/node-selector/internal/store"
	"github.com/angeloszaimis/node-selector/pkg/logger"
)

const (
	metricsBufferSize = 1024
	backendPoolSize   = 64
)

func main() {
	fs := pflag.NewFlagSet("node-selector", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		Environment: cfg.Server.Environment,
		AddSource:   cfg.Logging.AddSource,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		log.Error("Failed to create registry", slog.Any("err", err))
		os.Exit(1)
	}

	st, closer, err := buildStore(cfg)
	if err != nil {
		log.Error("Failed to open selection cache",
			slog.String("type", cfg.Cache.Type),
			slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Error("Failed to close selection cache", slog.Any("err", err))
		}
	}()

	collector := metrics.NewCollector(metricsBufferSize, prometheus.NewRegistry(), log)
	collector.Start(ctx)

	breakers := circuitbreaker.NewRegistry(cfg.Gateway.MaxFailures, config.Duration(cfg.Gateway.ResetTimeout), nil)

	sel, err := buildSelector(cfg, reg, st, collector, breakers, log)
	if err != nil {
		log.Error("Failed to create selector", slog.Any("err", err))
		os.Exit(1)
	}

	pool := backend.NewPool(backendPoolSize, config.Duration(cfg.Gateway.ProxyTimeout))
	gateway := handler.NewGatewayHandler(log, sel, pool, breakers)

	router := setupRouter(cfg, gateway, sel, breakers, collector)

	srv, err := httpserver.New(cfg.Server.Address, router,
		httpserver.WithWriteTimeout(config.Duration(cfg.Gateway.ProxyTimeout)+config.Duration(cfg.Selector.RequestTimeout)))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	go sel.Watch(ctx, config.Duration(cfg.Selector.WatchInterval))

	srvErrCh := make(chan error, 1)

	go func() {
		log.Info("Starting node selector gateway",
			slog.String("address", cfg.Server.Address),
			slog.String("service_type", cfg.Selector.ServiceType),
			slog.String("registry", cfg.Registry.Type))
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting gateway", slog.Any("err", err))
			cancel()
			os.Exit(1)
		}
	}
}

func buildRegistry(cfg *config.Config, log *slog.Logger) (selection.Registry, error) {
	switch cfg.Registry.Type {
	case config.RegistryStatic:
		doc := registry.Document{
			CurrentVersion: cfg.Registry.CurrentVersion,
			Versions:       cfg.Registry.Versions,
		}
		for _, n := range cfg.Registry.Nodes {
			doc.Nodes = append(doc.Nodes, registry.Node{Endpoint: n.Endpoint, SPID: n.SPID, Owner: n.Owner})
		}
		return registry.NewStatic(doc), nil

	case config.RegistryHTTP:
		return registry.NewHTTP(cfg.Registry.URL, registry.HTTPOptions{
			RefreshInterval: config.Duration(cfg.Registry.RefreshInterval),
			MaxRetries:      cfg.Registry.MaxRetries,
			Logger:          log.With(slog.String("component", "registry")),
		}), nil

	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
	}
}

// buildStore returns the selection store and the closer to release it on
// shutdown.
func buildStore(cfg *config.Config) (selection.Store, io.Closer, error) {
	switch cfg.Cache.Type {
	case config.CacheMemory:
		return store.NewMemory(cfg.Cache.Size), nopCloser{}, nil

	case config.CacheBolt:
		db, err := store.OpenBolt(cfg.Cache.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil

	default:
		return nil, nil, errors.New("unknown cache type " + cfg.Cache.Type)
	}
}

// buildSelector wires the selector to skip nodes whose breaker is open until
// the breaker's reset timeout passes.
func buildSelector(cfg *config.Config, reg selection.Registry, st selection.Store, collector *metrics.Collector, breakers *circuitbreaker.Registry, log *slog.Logger) (*selection.Selector, error) {
	return selection.New(reg, selection.Options{
		ServiceType:            cfg.Selector.ServiceType,
		Whitelist:              cfg.Selector.Whitelist,
		Blacklist:              cfg.Selector.Blacklist,
		Exclude:                breakers.Tripped,
		ReselectTimeout:        config.Duration(cfg.Selector.ReselectTimeout),
		RequestTimeout:         config.Duration(cfg.Selector.RequestTimeout),
		RegressedModeTimeout:   config.Duration(cfg.Selector.RegressedModeTimeout),
		UnhealthyBlockDiff:     &cfg.Selector.UnhealthyBlockDiff,
		UnhealthySlotDiffPlays: cfg.Selector.UnhealthySlotDiffPlays,
		CacheKey:               cfg.Cache.Key,
		Store:                  st,
		Monitor:                collector,
		OnSelect:               collector.OnSelect,
		Logger:                 log.With(slog.String("component", "selector")),
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
