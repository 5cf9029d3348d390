// Package api exposes the HTTP control surface: agent definition management,
// instance lifecycle, event publish/replay, lock inspection, health, and the
// WebSocket push endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/horizon-qa/atlas/pkg/bus"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/locks"
	"github.com/horizon-qa/atlas/pkg/push"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/pkg/runtime"
	"github.com/horizon-qa/atlas/pkg/skills"
)

// Server wires the HTTP API to the orchestration components.
type Server struct {
	db       *database.Client
	bus      *bus.Bus
	registry *registry.Registry
	skills   *skills.Registry
	runtime  *runtime.Runtime
	router   *runtime.Router
	locks    *locks.Manager
	analysis *database.AnalysisStore
	connMgr  *push.ConnectionManager

	queueName        string
	allowedWSOrigins []string
	logger           *slog.Logger

	httpServer *http.Server
}

// Deps carries the component handles the server needs.
type Deps struct {
	DB       *database.Client
	Bus      *bus.Bus
	Registry *registry.Registry
	Skills   *skills.Registry
	Runtime  *runtime.Runtime
	Router   *runtime.Router
	Locks    *locks.Manager
	Analysis *database.AnalysisStore

	ConnMgr          *push.ConnectionManager
	AnalysisQueue    string
	AllowedWSOrigins []string
	Logger           *slog.Logger
}

// NewServer creates the server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		db:               deps.DB,
		bus:              deps.Bus,
		registry:         deps.Registry,
		skills:           deps.Skills,
		runtime:          deps.Runtime,
		router:           deps.Router,
		locks:            deps.Locks,
		analysis:         deps.Analysis,
		connMgr:          deps.ConnMgr,
		queueName:        deps.AnalysisQueue,
		allowedWSOrigins: deps.AllowedWSOrigins,
		logger:           deps.Logger.With("component", "api"),
	}
	return s
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.healthHandler)
	engine.GET("/ws", s.websocketHandler)

	v1 := engine.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		agents.POST("", s.registerAgentHandler)
		agents.POST("/import", s.importAgentHandler)
		agents.GET("", s.listAgentsHandler)
		agents.GET("/:agent_id", s.getAgentHandler)
		agents.GET("/:agent_id/versions", s.listAgentVersionsHandler)
		agents.GET("/:agent_id/export", s.exportAgentHandler)
		agents.POST("/:agent_id/versions/:version/publish", s.publishAgentHandler)
		agents.POST("/:agent_id/versions/:version/deprecate", s.deprecateAgentHandler)
		agents.DELETE("/:agent_id/versions/:version", s.deleteAgentHandler)

		instances := v1.Group("/instances")
		instances.POST("", s.startInstanceHandler)
		instances.GET("", s.listInstancesHandler)
		instances.GET("/:instance_id", s.instanceStatusHandler)
		instances.POST("/:instance_id/stop", s.stopInstanceHandler)
		instances.POST("/:instance_id/pause", s.pauseInstanceHandler)
		instances.POST("/:instance_id/resume", s.resumeInstanceHandler)
		instances.POST("/:instance_id/dispatch", s.dispatchHandler)

		events := v1.Group("/events")
		events.POST("", s.publishEventHandler)
		events.GET("/replay", s.replayEventsHandler)

		lockGroup := v1.Group("/locks")
		lockGroup.GET("/:resource_id", s.lockStatusHandler)
		lockGroup.POST("/:resource_id/acquire", s.acquireLockHandler)
		lockGroup.POST("/:resource_id/release", s.releaseLockHandler)
	}

	return engine
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}
