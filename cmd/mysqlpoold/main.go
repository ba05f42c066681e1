// Command mysqlpoold runs the MySQL connection pooling daemon: it dials
// out to a set of named upstream MySQL servers, keeps warm connection
// pools for each, runs periodic health checks, and exposes an admin REST
// API, Prometheus metrics, and a small dashboard.
package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/mysqlcore"
	"github.com/dbbouncer/mysqlcore/internal/api"
	"github.com/dbbouncer/mysqlcore/internal/config"
	"github.com/dbbouncer/mysqlcore/internal/health"
	"github.com/dbbouncer/mysqlcore/internal/metrics"
	"github.com/dbbouncer/mysqlcore/internal/pool"
)

// authFailureReason classifies a dial error for the auth_failures metric.
// A *mysqlcore.ServerError surfacing from the handshake means the server
// itself rejected the credentials or plugin exchange (reason: its
// SQLSTATE), and mysqlcore.ErrUnknownAuthPlugin means the server asked for
// a plugin this client cannot speak (reason: "unknown_plugin"); anything
// else (a dial timeout, a TLS failure, a protocol violation) isn't an auth
// failure at all, just a failed handshake.
func authFailureReason(err error) (reason string, isAuthFailure bool) {
	var se *mysqlcore.ServerError
	if errors.As(err, &se) {
		return se.SQLState, true
	}
	if errors.Is(err, mysqlcore.ErrUnknownAuthPlugin) {
		return "unknown_plugin", true
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "configs/mysqlpoold.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("mysqlpoold starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "endpoints", len(cfg.Endpoints))

	m := metrics.New()
	registry := config.NewRegistry(cfg)
	pm := pool.NewManager(registry)
	hc := health.NewChecker(registry, m, cfg.Health)
	hc.SetPoolManager(pm)

	pm.SetOnPoolExhausted(func(endpoint string) {
		m.PoolExhausted(endpoint)
	})

	pm.SetOnHandshake(func(endpoint string, d time.Duration, err error) {
		if err == nil {
			m.HandshakeCompleted(endpoint, d)
			return
		}
		if reason, ok := authFailureReason(err); ok {
			m.AuthFailure(endpoint, reason)
		}
	})

	pm.SetOnCleanup(func(endpoint string) {
		m.CleanupRollback(endpoint)
	})

	pm.SetOnReset(func(endpoint, method string) {
		m.ConnReset(endpoint, method)
	})

	pm.SetOnStmtEviction(func(endpoint string) {
		m.StmtCacheEviction(endpoint)
	})

	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.Endpoint, s.Active, s.Idle, s.Total, s.Waiting)
	})

	hc.Start()

	apiServer := api.NewServer(registry, pm, hc, m, cfg.API)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start api server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		registry.Reload(newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("mysqlpoold ready", "api_bind", cfg.API.Bind, "api_port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	pm.Close()

	slog.Info("mysqlpoold stopped")
}
