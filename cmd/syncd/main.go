package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker-sync-go/internal/config"
	"broker-sync-go/internal/database"
	"broker-sync-go/internal/dedup"
	"broker-sync-go/internal/ingest"
	"broker-sync-go/internal/logger"
	"broker-sync-go/internal/metaapi"
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

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	interval := time.Duration(cfg.Sync.TickInterval) * time.Second
	log.Info("Sync daemon started", zap.Duration("tick_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := scheduler.RunOnce(ctx)
		if err != nil {
			log.Error("Scheduler pass failed", zap.Error(err))
		} else if summary.Processed > 0 {
			log.Info("Scheduler pass complete", zap.Int("processed", summary.Processed))
		}

		select {
		case <-ctx.Done():
			log.Info("Sync daemon has been shut down.")
			return
		case <-ticker.C:
		}
	}
}
