package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/repricer/internal/api"
	"github.com/ignite/repricer/internal/app"
	"github.com/ignite/repricer/internal/config"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting repricer API server")

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

	if err := checkPortAvailable(cfg.Server.GetHost(), cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without a shared database the worker cannot see this process's
	// state, so the server runs the background loops itself.
	standalone := cfg.Database.URL == "" || os.Getenv("REPRICER_STANDALONE") == "true"
	if standalone {
		log.Println("Standalone mode: monitor and scheduler run in the API process")
	}
	a, err := app.New(ctx, cfg, app.Options{Monitor: standalone, Scheduler: standalone})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := a.SeedRules(ctx); err != nil {
		log.Fatalf("Failed to seed rules: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	health := api.NewHealthChecker()
	if a.DB != nil {
		health.Add("database", true, 500*time.Millisecond, a.DB.PingContext)
	}
	if a.Redis != nil {
		health.Add("redis", false, 200*time.Millisecond, func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})
	}
	if a.Forecast != nil {
		health.Add("forecast", false, 2*time.Second, a.Forecast.Health)
	}

	srv := api.NewServer(a.Rules, a.Engine, a.Competitors, health, api.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	cancel()
	a.Close()
	log.Println("Server stopped")
}
