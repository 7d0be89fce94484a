package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coffersTech/hotlog/internal/broadcast"
	"github.com/coffersTech/hotlog/internal/coldstore"
	"github.com/coffersTech/hotlog/internal/config"
	"github.com/coffersTech/hotlog/internal/engine"
	"github.com/coffersTech/hotlog/internal/metrics"
	"github.com/coffersTech/hotlog/internal/parser"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
	"github.com/coffersTech/hotlog/internal/quarantine"
	"github.com/coffersTech/hotlog/internal/registry"
	"github.com/coffersTech/hotlog/internal/server"
	"github.com/coffersTech/hotlog/internal/storage"
	"github.com/coffersTech/hotlog/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch log files and serve the query API",
	RunE:  runServe,
}

func newParser(cfg *config.Config) *parser.Parser {
	return parser.New(parser.Config{
		Marker:        cfg.Watch.Marker,
		StrictUUID:    cfg.Watch.StrictUUID,
		MaxBlockBytes: cfg.Watch.MaxBlockBytes,
		MaxRawBytes:   cfg.Quarantine.MaxRawBytes,
	})
}

func watchOptions(cfg *config.Config) watcher.Options {
	return watcher.Options{
		PollInterval: cfg.Watch.PollInterval,
		MaxReadBytes: cfg.Watch.MaxReadBytes,
		MaxParkDelay: cfg.Watch.MaxParkDelay,
		MaxRawBytes:  cfg.Quarantine.MaxRawBytes,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("hotlog starting", "base", cfg.Watch.BasePath, "retention", cfg.Cache.Retention)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	reg := registry.NewStore()
	reg.StartCleanupLoop(ctx, time.Minute, cfg.Watch.ForgetAfter)
	p := newParser(cfg)

	// Rejects are always counted; they are stored only with a quarantine path.
	var store *quarantine.Store
	if cfg.Quarantine.Path != "" {
		store, err = quarantine.Open(cfg.Quarantine.Path, cfg.Quarantine.MaxRawBytes)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	rejects, err := quarantine.NewCounter(ctx, store)
	if err != nil {
		return err
	}

	cache := engine.NewHotCache(engine.CacheOptions{
		Retention:     cfg.Cache.Retention,
		Shards:        cfg.Cache.Shards,
		QueueCapacity: cfg.Cache.QueueCapacity,
		EnqueueWait:   cfg.Cache.EnqueueWait,
		Workers:       cfg.Cache.Workers,
		SweepInterval: cfg.Cache.SweepInterval,
		Rejects:       rejects,
		Metrics:       m,
		Logger:        logger,
	})
	restoreSnapshot(cache, cfg.Cache.SnapshotPath, logger)

	archive, err := storage.NewArchive(storage.ArchiveOptions{
		Dirs:    append([]string{cfg.Watch.BasePath}, cfg.Query.ArchiveDirs...),
		Workers: cfg.Query.ArchiveWorkers,
		Parser:  p,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer archive.Close()

	var cold engine.Source
	if cfg.Cold.DSN != "" {
		cs, err := coldstore.Open(ctx, cfg.Cold.DSN, cfg.Cold.Table, logger)
		if err != nil {
			return err
		}
		defer cs.Close()
		cold = cs
	}

	router := engine.NewRouter(cache, archive, cold, engine.RouterOptions{
		CacheTimeout:    cfg.Query.CacheTimeout,
		ArchiveTimeout:  cfg.Query.ArchiveTimeout,
		ColdTimeout:     cfg.Query.ColdTimeout,
		MaxMerge:        cfg.Query.MaxMerge,
		DefaultPageSize: cfg.Query.DefaultPageSize,
		MaxPageSize:     cfg.Query.MaxPageSize,
		Metrics:         m,
		Logger:          logger,
	})

	hub := broadcast.NewHub(cache, broadcast.Options{
		Buffer:        cfg.Broadcast.Buffer,
		StatsInterval: cfg.Broadcast.StatsInterval,
		Metrics:       m,
		Logger:        logger,
	})

	var checkpoints watcher.CheckpointStore = watcher.NewMemoryStore()
	if cfg.Watch.CheckpointDir != "" {
		fs, err := watcher.NewFileStore(cfg.Watch.CheckpointDir)
		if err != nil {
			return err
		}
		checkpoints = fs
	}

	batches := make(chan watcher.Batch, 64)
	mgr := watcher.NewManager(watcher.ManagerConfig{
		BasePath:         cfg.Watch.BasePath,
		Patterns:         cfg.Watch.Patterns,
		DiscoverInterval: cfg.Watch.DiscoverInterval,
		ForgetAfter:      cfg.Watch.ForgetAfter,
		Watch:            watchOptions(cfg),
	}, watcher.Deps{
		Parser:      p,
		Checkpoints: checkpoints,
		Out:         batches,
		Rejects:     rejects,
		Reporter:    reg,
		Metrics:     m,
		Logger:      logger,
	})

	srv := server.New(server.Options{
		Addr:        cfg.Server.Addr,
		TokenHashes: cfg.Server.TokenHashes,
		RateLimit:   cfg.Server.RateLimit,
		Burst:       cfg.Server.Burst,
	}, server.Deps{
		Router:     router,
		Cache:      cache,
		Sources:    registry.NewServer(reg),
		Quarantine: rejects,
		Live: broadcast.NewWSHandler(hub, broadcast.WSOptions{
			HeartbeatInterval: cfg.Broadcast.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Broadcast.HeartbeatTimeout,
		}, logger),
		Metrics: m,
		Logger:  logger,
	})

	// The ingest pipeline outlives ctx so records already read are applied
	// before the snapshot is taken.
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	defer stopPipe()
	cache.Start(pipeCtx)

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	run(func() { hub.Run(ctx) })
	if cfg.Broadcast.NATSURL != "" {
		nc, err := broadcast.ConnectNATS(cfg.Broadcast.NATSURL, logger)
		if err != nil {
			logger.Warn("nats relay disabled", "error", err)
		} else {
			defer nc.Close()
			relay := broadcast.NewRelay(hub, nc, cfg.Broadcast.NATSSubject, logger)
			run(func() { relay.Run(ctx) })
		}
	}

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		engine.NewIngestor(cache, hub, logger).Run(pipeCtx, batches)
	}()
	run(func() {
		mgr.Run(ctx)
		close(batches)
	})

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
		stop()
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	wg.Wait()
	<-ingestDone
	stopPipe()
	cache.Wait()
	saveSnapshot(cache, cfg.Cache.SnapshotPath, logger)

	logger.Info("hotlog exited", "cached", cache.Len())
	return err
}

func restoreSnapshot(cache *engine.HotCache, path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	entries, err := storage.ReadSnapshot(path)
	if err != nil {
		logger.Warn("cache snapshot not restored", "path", path, "error", err)
		return
	}
	n := cache.Restore(entries)
	logger.Info("cache snapshot restored", "path", path, "entries", n, "expired", len(entries)-n)
}

func saveSnapshot(cache *engine.HotCache, path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	entries := cache.Entries()
	if err := storage.WriteSnapshot(path, entries); err != nil {
		logger.Error("cache snapshot failed", "path", path, "error", err)
		return
	}
	logger.Info("cache snapshot written", "path", path, "entries", len(entries))
}
