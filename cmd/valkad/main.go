package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/iwhitebird/valka/internal/api"
	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/dispatch"
	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/logs"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/partition"
	"github.com/iwhitebird/valka/internal/reader"
	"github.com/iwhitebird/valka/internal/scheduler"
	"github.com/iwhitebird/valka/internal/store"
	"github.com/iwhitebird/valka/internal/task"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting valkad...")

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}

	// Apply schema migrations before any component touches the store
	if err := store.Migrate(cfg.Postgres.DSN); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backoff := task.BackoffPolicy{
		Base:       cfg.Retry.BaseDelay,
		Multiplier: cfg.Retry.Multiplier,
		Max:        cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.JitterFraction,
	}

	// Durable store
	st, err := store.New(ctx, &cfg.Postgres, cfg.Partition.LeafCount, backoff)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to store")
	}
	defer st.Close()

	// In-memory core: partition tree, matching engine, event bus
	tree := partition.New(cfg.Partition.LeafCount, cfg.Partition.Fanout)
	engine := match.NewEngine(tree)
	bus := events.NewBus()
	defer bus.Close()

	// Log ingester
	ingester := logs.NewIngester(st)
	ingester.Start(ctx)

	// Dispatcher over the worker stream
	dispatcher := dispatch.New(st, engine, bus, ingester, &cfg.Dispatcher, nodeID)

	// Cold-path reader
	rd := reader.New(st, engine, &cfg.Reader)
	rd.Start(ctx)

	// Leader-elected scheduler
	sched := scheduler.New(st, engine, bus, &cfg.Scheduler)
	sched.Start(ctx)

	// HTTP surface
	server := api.NewServer(cfg, st, engine, dispatcher, bus)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Str("node_id", nodeID).
			Msg("HTTP server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down valkad...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatcher.DrainDeadline+10*time.Second)
	defer shutdownCancel()

	// Stop accepting HTTP work, then drain the worker sessions
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	dispatcher.Shutdown(shutdownCtx, "server shutdown")

	// Stop background loops and flush the log buffer
	cancel()
	rd.Wait()
	sched.Wait()
	ingester.Wait()

	log.Info().Msg("valkad stopped")
}
