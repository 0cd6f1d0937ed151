// Worker process - claims queued tool calls, executes them against the
// registry's contracts, and writes receipts.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/callkaidsroofing/toolrunner/pkg/config"
	"github.com/callkaidsroofing/toolrunner/pkg/database"
	"github.com/callkaidsroofing/toolrunner/pkg/executor"
	"github.com/callkaidsroofing/toolrunner/pkg/handlers"
	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
	"github.com/callkaidsroofing/toolrunner/pkg/sweeper"
	"github.com/callkaidsroofing/toolrunner/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// instanceID identifies this process in worker ids. It must be stable across
// restarts of the same deployment unit (pod name, hostname) so the startup
// orphan pass can reclaim claims the previous incarnation left stuck.
func instanceID() string {
	if id := os.Getenv("WORKER_INSTANCE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "worker-host"
	}
	return host
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

	slog.Info("Starting worker", "version", version.Full())

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

	handlerRegistry := executor.NewHandlerRegistry()
	handlers.Register(handlerRegistry)

	exec := &executor.Executor{
		Registry: reg,
		Handlers: handlerRegistry,
		Calls:    callStore,
		Receipts: receiptStore,
		DB:       dbClient.DB(),

		StrictOutputValidation: getEnv("STRICT_OUTPUT_VALIDATION", "") == "true",
	}

	// Reclaim claims a previous incarnation of this instance left stuck,
	// before any poll loop starts.
	instance := instanceID()
	requeued, err := callStore.RequeueWorkerCalls(ctx, instance+"/")
	if err != nil {
		log.Fatalf("Failed to requeue startup orphans: %v", err)
	}
	if len(requeued) > 0 {
		slog.Warn("Requeued calls from previous run", "instance_id", instance, "count", len(requeued))
	}

	pool := executor.NewPool(instance, callStore, exec, cfg.Worker)
	pool.Start(ctx)

	sweep := sweeper.New(callStore, receiptStore, reg, cfg.Worker)
	sweep.Start(ctx)

	var healthServer *http.Server
	if cfg.Worker.HealthPort > 0 {
		healthServer = startHealthServer(cfg.Worker.HealthPort, dbClient, pool, sweep)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		sweep.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Worker.GracefulShutdownTimeout):
		slog.Error("Graceful shutdown timed out, exiting with in-flight work")
	}

	if healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}
	slog.Info("Worker stopped")
}

// startHealthServer serves the worker's own diagnostic endpoint, separate
// from the planner's public surface.
func startHealthServer(port int, dbClient *database.Client, pool *executor.Pool, sweep *sweeper.Sweeper) *http.Server {
	gin.SetMode(getEnv("GIN_MODE", "release"))
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		status := http.StatusOK
		if err != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"version":     version.Full(),
			"database":    dbHealth,
			"worker_pool": pool.Health(),
			"sweeper":     sweep.Health(),
		})
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: router}
	go func() {
		slog.Info("Worker health endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server failed", "error", err)
		}
	}()
	return srv
}
