package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/repricer/internal/app"
	"github.com/ignite/repricer/internal/config"
)

func main() {
	workerID := uuid.NewString()[:8]
	log.Printf("Starting repricer worker %s...", workerID)

	configPath := "config/config.yaml"
	if p := os.Getenv("REPRICER_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Println("Warning: no DATABASE_URL; this worker shares no state with the API server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Monitor: true, Scheduler: true})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	log.Printf("Competitor monitor started (%d competitors)", a.Engine.Monitor().Workers())
	log.Printf("Rule scheduler started (tick %s)", cfg.Engine.SchedulerTick())
	if a.Archive != nil {
		log.Printf("Archive flusher started (every %s)", cfg.Storage.ArchiveFlushInterval())
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending := 0
				if a.Archive != nil {
					pending = a.Archive.Pending()
				}
				log.Printf("Worker %s heartbeat: %d competitors monitored, %d archive events pending",
					workerID, a.Engine.Monitor().Workers(), pending)
			}
		}
	}()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	a.Close()
	log.Println("Worker stopped")
}
