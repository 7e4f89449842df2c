// Command sagentd hosts the sagents runtime on one node: it wires the
// registry, event bus, and placement manager for the configured
// distribution mode and keeps agents alive until the process is told to
// stop. Delivery transports are the owner application's concern; this
// daemon only runs the kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sagents/internal/infra/config"
	"sagents/internal/infra/discovery"
	"sagents/internal/infra/logger"
	"sagents/internal/infra/natsbus"
	"sagents/internal/infra/tracer"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/placement"
	"sagents/internal/usecase/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sagentd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx := context.Background()
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(ctx)

	bus := eventbus.New(log)
	defer bus.Close()

	var reg registry.Registry
	clustered := cfg.Distribution == config.DistributionClustered
	if clustered {
		clusterReg, cleanup, err := startCluster(ctx, cfg, bus, log)
		if err != nil {
			return err
		}
		defer cleanup()
		reg = clusterReg
	} else {
		reg = registry.NewLocal(cfg.Cluster.NodeName)
	}

	manager := placement.NewManager(cfg.Cluster.NodeName, reg, bus, log)
	defer manager.Shutdown(clustered)

	log.Info("sagentd started",
		"node", cfg.Cluster.NodeName,
		"distribution", string(cfg.Distribution),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	return nil
}

// startCluster brings up the embedded NATS mesh, the replicated registry,
// and the cross-node event relay.
func startCluster(ctx context.Context, cfg *config.Config, bus *eventbus.Bus, log *slog.Logger) (registry.Registry, func(), error) {
	clusterCfg := cfg.Cluster
	if clusterCfg.Discovery == config.DiscoveryAuto {
		members, err := discovery.NewScanner(log).Scan(ctx)
		if err != nil {
			log.Warn("member discovery failed, starting alone", "error", err)
		} else {
			clusterCfg.Members = discovery.Addresses(members)
			log.Info("discovered cluster members", "count", len(clusterCfg.Members))
		}
	}

	nats, err := natsbus.New(clusterCfg)
	if err != nil {
		return nil, nil, err
	}

	var announcer *discovery.Announcer
	if clusterCfg.Discovery == config.DiscoveryAuto {
		announcer, err = discovery.Announce(clusterCfg.NodeName, clusterCfg.ListenPort)
		if err != nil {
			log.Warn("mdns announce failed", "error", err)
		}
	}

	conn, err := natsbus.Connect(nats)
	if err != nil {
		nats.Close()
		return nil, nil, err
	}

	reg, err := registry.NewClustered(clusterCfg.NodeName, conn, log)
	if err != nil {
		conn.Close()
		nats.Close()
		return nil, nil, err
	}

	relay, err := eventbus.NewNATSRelay(conn, bus, clusterCfg.NodeName, log)
	if err != nil {
		reg.Close()
		conn.Close()
		nats.Close()
		return nil, nil, err
	}

	cleanup := func() {
		relay.Close()
		reg.Close()
		if announcer != nil {
			announcer.Close()
		}
		conn.Close()
		nats.Close()
	}
	return reg, cleanup, nil
}
