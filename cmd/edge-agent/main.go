// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command edge-agent is the per-node daemon (spec §4): it loads and attaches
// the xdp_minecraft kernel program, wraps its six maps for user-space access,
// runs the Flow Relay and the fast-path Synchronizer over them, and serves
// the node control interface the control plane's fleet manager pushes
// rollout commands to and polls for liveness. Grounded on the teacher's
// cmd/start.go signal-driven daemon shape, same as cmd/control-plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/cloudnordsp/edgeshield/internal/config"
	"github.com/cloudnordsp/edgeshield/internal/ebpf/loader"
	"github.com/cloudnordsp/edgeshield/internal/ebpf/maps"
	"github.com/cloudnordsp/edgeshield/internal/ebpf/programs"
	"github.com/cloudnordsp/edgeshield/internal/host"
	"github.com/cloudnordsp/edgeshield/internal/logging"
	"github.com/cloudnordsp/edgeshield/internal/nodeapi"
	"github.com/cloudnordsp/edgeshield/internal/relay"
	"github.com/cloudnordsp/edgeshield/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to the HCL configuration file")
	listenAddr := flag.String("listen", ":8081", "node control interface listen address")
	flag.Parse()

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "edge-agent:", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
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
	logger.Info("edge-agent starting", "config", configPath, "interface", cfg.BPF.Interface)

	if err := loader.BumpMemlockRlimit(); err != nil {
		return fmt.Errorf("bump memlock rlimit: %w", err)
	}
	if err := loader.VerifyKernelSupport(); err != nil {
		return fmt.Errorf("verify kernel support: %w", err)
	}

	prog, err := programs.NewXdpMinecraftProgram(logger)
	if err != nil {
		return fmt.Errorf("load xdp_minecraft program: %w", err)
	}
	defer prog.Close()

	if err := prog.Attach(cfg.BPF.Interface); err != nil {
		return fmt.Errorf("attach xdp_minecraft program: %w", err)
	}

	mgr := maps.NewManager(prog.Collection())
	if err := registerMaps(mgr, prog); err != nil {
		return fmt.Errorf("register maps: %w", err)
	}

	synchronizer := sync.New(mgr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	synchronizer.Start(ctx)
	defer synchronizer.Stop()

	r := relay.New(logger, relay.Config{
		BufferSize:  cfg.Proxy.BufferSize,
		BedrockIdle: cfg.Proxy.BedrockIdleTimeout,
	})
	defer r.Shutdown()

	stats := &nodeStats{synchronizer: synchronizer}

	nodeServer := nodeapi.NewServer(nodeapi.Options{
		Logger: logger,
		Sync:   synchronizer,
		Relay:  r,
		Stats:  stats,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- nodeServer.Start(listenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("edge-agent shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return nodeServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// registerMaps adopts xdp_minecraft's six kernel maps into mgr's typed
// accessors, grounded on cmd/mc-loader's openManager doing the same thing
// against pinned maps instead of a live collection.
func registerMaps(mgr *maps.Manager, prog *programs.XdpMinecraftProgram) error {
	for _, nm := range []string{
		"map_protected_endpoints", "map_src_rate", "map_conntrack",
		"map_blacklist", "map_stats", "map_udp_challenges",
	} {
		var err error
		switch nm {
		case "map_protected_endpoints":
			err = mgr.RegisterMap(nm, prog.ProtectedEndpointsMap())
		case "map_src_rate":
			err = mgr.RegisterMap(nm, prog.SrcRateMap())
		case "map_conntrack":
			err = mgr.RegisterMap(nm, prog.ConntrackMap())
		case "map_blacklist":
			err = mgr.RegisterMap(nm, prog.BlacklistMap())
		case "map_stats":
			err = mgr.RegisterMap(nm, prog.StatsMap())
		case "map_udp_challenges":
			err = mgr.RegisterMap(nm, prog.ChallengesMap())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// nodeStats adapts the Synchronizer's kernel counters, a process-relative
// CPU figure and the host-wide memory usage to nodeapi.StatsSource.
type nodeStats struct {
	synchronizer *sync.Synchronizer

	mu        stdsync.Mutex
	lastTotal uint64
	lastAt    time.Time
}

func (n *nodeStats) CPUUsage() float64 {
	return host.CPUPercent()
}

func (n *nodeStats) MemoryUsage() float64 {
	info, err := host.GetMemoryInfo()
	if err != nil || info.TotalBytes == 0 {
		return 0
	}
	used := info.TotalBytes - info.AvailableBytes
	return float64(used) / float64(info.TotalBytes) * 100
}

// PacketRate reports packets/sec since the previous call, derived from the
// Synchronizer's cumulative kernel counter.
func (n *nodeStats) PacketRate() float64 {
	counters, err := n.synchronizer.ReadCounters()
	if err != nil {
		return 0
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if n.lastAt.IsZero() {
		n.lastTotal = counters.TotalPackets
		n.lastAt = now
		return 0
	}

	elapsed := now.Sub(n.lastAt).Seconds()
	delta := counters.TotalPackets - n.lastTotal
	n.lastTotal = counters.TotalPackets
	n.lastAt = now
	if elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}
