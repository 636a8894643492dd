package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpserver "tabletraft/internal/http"
	"tabletraft/internal/registry"
	"tabletraft/internal/tablet"
	"tabletraft/internal/transport"
	"tabletraft/pkg/clock"
	"tabletraft/pkg/consensus"
	"tabletraft/pkg/metrics"
	"tabletraft/pkg/queue"
	"tabletraft/pkg/types"
	"tabletraft/pkg/wal"
	"tabletraft/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tabletd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := os.Getenv("TABLETD_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := initConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := initLogger(&cfg)

	if err := os.MkdirAll(cfg.Storage.RootPath, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	walDir, metaPath := storagePaths(cfg.Storage)

	tabletID := types.TabletID(cfg.Tablet.TabletID)
	peerUUID, err := resolvePeerUUID(cfg.Tablet, metaPath)
	if err != nil {
		return err
	}
	initial, err := bootstrapConfig(cfg.Tablet)
	if err != nil {
		return err
	}
	meta, err := consensus.LoadOrCreateMetadata(metaPath, tabletID, peerUUID, initial)
	if err != nil {
		return fmt.Errorf("consensus metadata: %w", err)
	}
	self, _ := meta.CommittedConfig().Member(peerUUID)
	if self.UUID == "" {
		self = consensus.RaftPeer{UUID: peerUUID}
	}

	log, info, err := wal.Open(wal.Options{
		Dir:         walDir,
		File:        cfg.Storage.WALFile,
		Compression: cfg.Storage.Compression,
		SyncWrites:  cfg.Storage.SyncWrites,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer log.Close()

	pool := worker.NewPool(string(peerUUID), cfg.Raft.Workers, cfg.Raft.WorkerQueueSize)
	defer pool.Close()

	clk := clock.NewHybrid()
	registryMetrics := metrics.NewRegistry()
	kv := tablet.New(tabletID, logger)
	q := queue.New(queue.Options{
		TabletID:  tabletID,
		LocalPeer: self,
		Log:       log,
		Raft:      cfg.Raft,
		Clock:     clk,
		Logger:    logger,
	})

	var reg *registry.Registry
	if cfg.Registry.Enabled {
		reg, err = registry.Connect(cfg.Registry.Servers, cfg.Registry.SessionTimeout, cfg.Registry.Root,
			tabletID, peerUUID, self.Address)
		if err != nil {
			return err
		}
		defer reg.Close()
		if err := reg.Register(cfg.Registry.SessionTimeout); err != nil {
			return fmt.Errorf("register in zookeeper: %w", err)
		}
	}

	var engine *consensus.RaftConsensus
	engine, err = consensus.NewRaftConsensus(consensus.Options{
		TabletID: tabletID,
		Raft:     cfg.Raft,
		Metadata: meta,
		Log:      log,
		Context:  kv,
		Queue:    q,
		Proxies: transport.NewFactory(transport.Options{
			Timeout: cfg.Raft.RPCTimeout,
			Logger:  logger,
		}),
		Pool:    pool,
		Clock:   clk,
		Metrics: registryMetrics,
		Logger:  logger,
		MarkDirty: func(reason consensus.StateChangeReason) {
			st := engine.ConsensusState()
			logger.Info("consensus state changed",
				"reason", reason, "role", st.Role, "term", st.CurrentTerm, "leader", st.LeaderUUID)
			if reg == nil {
				return
			}
			if err := reg.Publish(st, engine.LeaderStatus(), reason); err != nil {
				logger.Warn("publishing consensus state failed", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("create consensus: %w", err)
	}
	kv.Bind(engine)

	if err := engine.Start(*info); err != nil {
		return fmt.Errorf("start consensus: %w", err)
	}
	defer engine.Shutdown()

	if reg != nil {
		reg.Watch(ctx, func(replicas []string) {
			logger.Info("registered replicas changed", "replicas", replicas)
		})
	}

	server := httpserver.NewServer(engine, kv, strconv.Itoa(cfg.Server.Port))
	server.SetMetrics(registryMetrics)
	if err := server.Start(cfg.Server.ReadHeaderTimeout); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	slog.Info("tabletd running", "tablet", tabletID, "peer", peerUUID, "port", cfg.Server.Port)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("stopping server", "error", err)
	}
	slog.Info("tabletd stopped")
	return nil
}
