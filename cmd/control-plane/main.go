// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command control-plane runs the desired-state store, node fleet manager,
// and control-plane REST/WebSocket API (spec §6) as a single foreground
// process. Grounded on the teacher's cmd/start.go signal-driven daemon
// shape, simplified to foreground-only: the teacher's fork/detach/PID-file
// machinery belonged to its install/upgrade tooling, which is out of scope
// here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudnordsp/edgeshield/internal/api"
	"github.com/cloudnordsp/edgeshield/internal/config"
	"github.com/cloudnordsp/edgeshield/internal/fleet"
	"github.com/cloudnordsp/edgeshield/internal/logging"
	"github.com/cloudnordsp/edgeshield/internal/metrics"
	"github.com/cloudnordsp/edgeshield/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the HCL configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "control-plane:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.SetDefaults()
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info("control-plane starting", "config", configPath)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	st.Configure(cfg.Database.MaxOpenConns, cfg.Database.MaxLifetime)

	fleetMgr := fleet.New(st, logger, fleet.Config{
		HeartbeatInterval: cfg.Node.HeartbeatInterval,
		FailureThreshold:  cfg.Node.FailureThreshold,
		NodeTimeout:       cfg.Node.NodeTimeout,
		EnableICMPProbe:   cfg.Node.EnableICMPProbe,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fleetMgr.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("load fleet from store: %w", err)
	}
	fleetMgr.Start(ctx, st.ListActiveEndpoints)
	defer fleetMgr.Stop()

	var registry *prometheus.Registry
	if cfg.API.EnableMetrics {
		registry = prometheus.NewRegistry()
		collector := metrics.NewCollector(logger, metrics.Config{Fleet: fleetMgr})
		if err := collector.RegisterMetrics(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		collector.Start(ctx)
		defer collector.Stop()
	}

	apiServer := api.NewServer(api.Options{
		Logger:    logger,
		Store:     st,
		Fleet:     fleetMgr,
		AuthToken: string(cfg.API.AuthToken),
		Registry:  registry,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(cfg.API.Address)
	}()

	select {
	case <-ctx.Done():
		logger.Info("control-plane shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.WriteTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
