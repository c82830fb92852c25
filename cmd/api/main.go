package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker-sync-go/internal/api"
	"broker-sync-go/internal/config"
	"broker-sync-go/internal/database"
	"broker-sync-go/internal/dedup"
	"broker-sync-go/internal/ingest"
	"broker-sync-go/internal/logger"
	"broker-sync-go/internal/metaapi"
	"broker-sync-go/internal/ratelimit"
	"broker-sync-go/internal/syncer"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	client := metaapi.NewClient(&cfg.MetaAPI, log)
	detector := dedup.NewDetector(db)
	pipeline := ingest.NewPipeline(db, client, detector, log)
	sm := syncer.NewStateMachine(db, cfg.Sync)
	scheduler := syncer.NewScheduler(db, sm, pipeline, cfg.Sync, log)
	provisioner := syncer.NewProvisioner(db, client, cfg.Sync, log)
	batcher := ingest.NewBatcher(db, detector, log)
	limiter := ratelimit.NewWindowLimiter(time.Minute)

	handlers := api.NewHandlers(db, sm, provisioner, pipeline, scheduler,
		batcher, client, limiter, cfg.Limits, log)
	server := api.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), handlers, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	log.Info("API server started", zap.Int("port", cfg.Server.Port))
	if err := server.Start(ctx); err != nil {
		log.Fatal("HTTP server failed", zap.Error(err))
	}
	log.Info("API server has been shut down.")
}
