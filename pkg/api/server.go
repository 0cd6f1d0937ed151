// Package api provides the planner's HTTP surface: POST /run, GET /runs/:id,
// GET /tools, GET /health, and the audit listing GET /receipts.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/callkaidsroofing/toolrunner/pkg/config"
	"github.com/callkaidsroofing/toolrunner/pkg/executor"
	"github.com/callkaidsroofing/toolrunner/pkg/planner"
	"github.com/callkaidsroofing/toolrunner/pkg/queue"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
	"github.com/callkaidsroofing/toolrunner/pkg/registry"
	"github.com/callkaidsroofing/toolrunner/pkg/runs"
	"github.com/callkaidsroofing/toolrunner/pkg/sweeper"
)

// Server is the planner HTTP server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	cfg         *config.PlannerConfig
	db          *sql.DB
	registry    *registry.Registry
	coordinator *planner.Coordinator
	receipts    *receipts.Store
	calls       *queue.Store
	runs        *runs.Store

	pool  *executor.Pool   // nil in a planner-only process
	sweep *sweeper.Sweeper // nil in a planner-only process
}

// NewServer wires the planner routes onto a fresh gin engine.
func NewServer(cfg *config.PlannerConfig, db *sql.DB, reg *registry.Registry, coord *planner.Coordinator, receiptStore *receipts.Store) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:      router,
		cfg:         cfg,
		db:          db,
		registry:    reg,
		coordinator: coord,
		receipts:    receiptStore,
		calls:       queue.NewStore(db),
		runs:        runs.NewStore(db),
	}
	s.setupRoutes()
	return s
}

// SetWorkerPool surfaces an in-process worker pool's health on /health.
func (s *Server) SetWorkerPool(pool *executor.Pool) {
	s.pool = pool
}

// SetSweeper surfaces an in-process sweeper's health on /health.
func (s *Server) SetSweeper(sw *sweeper.Sweeper) {
	s.sweep = sw
}

func (s *Server) setupRoutes() {
	s.router.POST("/run", s.handleRun)
	s.router.GET("/runs/:id", s.handleGetRun)
	s.router.GET("/tools", s.handleTools)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/receipts", s.handleReceipts)
}

// Router exposes the gin engine for httptest-driven tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves HTTP on the configured listen address until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.router}
	slog.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
