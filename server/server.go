// Package server exposes the kernel's external REST and WebSocket surface
// (spec.md §6). It is a thin transport layer: every handler delegates to
// kernel.Facade or workspace.Initializer for actual state, and translates
// their outcomes into HTTP status codes (spec.md §7 "Propagation policy").
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowforge/kernel/kernel"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

// Config is the HTTP server's own configuration, distinct from the
// kernel.Facade it wraps.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Server owns the gin engine and the underlying http.Server.
type Server struct {
	httpServer *http.Server
	log        telemetry.Logger
}

// New builds a Server wiring every route in spec.md §6 against facade and ws.
func New(cfg Config, facade *kernel.Facade, ws *workspace.Initializer, log telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	h := &handlers{facade: facade, ws: ws, log: log}
	registerRoutes(router, h)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		log:        log,
	}
}

// Start begins serving in the background. Errors other than a clean
// shutdown are logged, not returned, matching the teacher's server lifecycle.
func (s *Server) Start(ctx context.Context) {
	s.log.Info(ctx, "starting http server", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(ctx, "http server error", "error", err.Error())
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info(ctx, "stopping http server")
	return s.httpServer.Shutdown(ctx)
}

func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", h.health)

	router.POST("/runtime/start", h.startWorkflow)
	router.GET("/runtime/state", h.getState)
	router.POST("/runtime/:run_id/resume", h.resumeRun)
	router.POST("/runtime/:run_id/stop", h.stopRun)
	router.GET("/runtime/:run_id/artifact/:agent_id", h.getLiveArtifact)

	router.GET("/ws/runtime/:run_id", h.streamRuntime)

	router.GET("/runtime/library", h.listLibrary)
	router.POST("/runtime/library/upload", h.uploadLibrary)

	router.GET("/runtime/:run_id/artifacts", h.listArtifacts)
	router.GET("/runtime/:run_id/artifacts/:filename", h.fetchArtifact)
	router.DELETE("/runtime/:run_id/artifacts/:filename", h.deleteArtifact)
	router.POST("/runtime/:run_id/artifacts/promote", h.promoteArtifacts)
}

func requestLogger(log telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Info(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}
