package main

import (
	"HeavySpectra/internal/api"
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/engine/manager"
	"HeavySpectra/internal/feed"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/metrics"
	"HeavySpectra/internal/sink"
	"HeavySpectra/internal/store"
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")

	if err := run(cfg, log); err != nil {
		log.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	d, err := cfg.Durations()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Open the external collaborators
	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	sinks, err := sink.Open(cfg.Sinks)
	if err != nil {
		return err
	}
	src, err := feed.NewSource(cfg.Feed)
	if err != nil {
		return err
	}

	mgr, err := manager.NewManager(cfg, manager.Deps{
		Store:   st,
		Sinks:   sinks,
		Source:  src,
		Metrics: m,
		Logger:  slog.Default(),
	})
	if err != nil {
		return err
	}

	health, err := api.NewHealthServer(cfg.API.GRPCAddr)
	if err != nil {
		mgr.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewHandler(mgr, m.Handler(), logger.WithComponent("api")).Router(),
		// Leaderboard streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// 3. Start the engine, then accept traffic
	mgr.Start(ctx)
	health.MarkServing()
	log.Info("engine started",
		"store", cfg.Store.Type, "feed", cfg.Feed.Type, "sinks", len(sinks), "k", cfg.Engine.K)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("gRPC health listening", "addr", health.Addr())
		return health.Serve()
	})

	// 4. Wait for a shutdown signal or a listener failure
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		health.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Warn("HTTP server forced to shutdown", "error", err)
		}
		// Closes the last window and flushes it to the store and sinks.
		mgr.Stop()
		return err
	})
	return g.Wait()
}
