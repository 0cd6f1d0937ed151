// Planner process - serves the HTTP surface that compiles requests into
// tool calls, enqueues them, and correlates their receipts.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/callkaidsroofing/toolrunner/pkg/api"
	"github.com/callkaidsroofing/toolrunner/pkg/config"
	"github.com/callkaidsroofing/toolrunner/pkg/database"
	"github.com/callkaidsroofing/toolrunner/pkg/planner"
	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
	"github.com/callkaidsroofing/toolrunner/pkg/runs"
	"github.com/callkaidsroofing/toolrunner/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))
	slog.Info("Starting planner", "version", version.Full())

	ctx := context.Background()

	cfg, err := config.Load(filepath.Join(*configDir, "config.yaml"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	reg, err := registry.Load(cfg.Catalog.Path)
	if err != nil {
		log.Fatalf("Failed to load tool catalog: %v", err)
	}
	slog.Info("Tool catalog loaded", "version", reg.Version(), "tools", len(reg.All()))

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL, schema up to date")

	callStore := queue.NewStore(dbClient.DB())
	receiptStore := receipts.NewStore(dbClient.DB())
	runStore := runs.NewStore(dbClient.DB())

	coordinator := planner.NewCoordinator(reg, callStore, receiptStore, runStore)
	coordinator.PollIntervalMS = cfg.Planner.PollIntervalMS

	server := api.NewServer(cfg.Planner, dbClient.DB(), reg, coordinator, receiptStore)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	slog.Info("Planner stopped")
}
