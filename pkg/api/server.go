// Package api exposes the coordinator over HTTP: the client-facing session
// and run endpoints, the runner protocol (register, heartbeat, long-poll,
// status reports), and the live event stream (SSE and WebSocket).
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/maestro-ai/maestro/pkg/agents"
	"github.com/maestro-ai/maestro/pkg/events"
	"github.com/maestro-ai/maestro/pkg/queue"
	"github.com/maestro-ai/maestro/pkg/services"
	"github.com/maestro-ai/maestro/pkg/store"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// AuthEnabled enforces the bearer token on every endpoint except /health.
	AuthEnabled bool
	// APIKey is the shared bearer token.
	APIKey string
	// AdminUsers are identities granted the admin role.
	AdminUsers []string
}

// Server wires the service layer to HTTP routes.
type Server struct {
	echo *echo.Echo
	cfg  Config
	http *http.Server

	store       store.Store
	registry    *agents.Registry
	broadcaster *events.Broadcaster
	dispatcher  *queue.Dispatcher

	sessions  *services.SessionService
	eventsSvc *services.EventService
	runs      *services.RunService
	runners   *services.RunnerService
	callbacks *services.CallbackService
}

// Dependencies carries everything the server needs.
type Dependencies struct {
	Store       store.Store
	Registry    *agents.Registry
	Broadcaster *events.Broadcaster
	Dispatcher  *queue.Dispatcher

	Sessions  *services.SessionService
	Events    *services.EventService
	Runs      *services.RunService
	Runners   *services.RunnerService
	Callbacks *services.CallbackService
}

// NewServer creates the server and registers all routes.
func NewServer(cfg Config, deps Dependencies) *Server {
	s := &Server{
		echo:        echo.New(),
		cfg:         cfg,
		store:       deps.Store,
		registry:    deps.Registry,
		broadcaster: deps.Broadcaster,
		dispatcher:  deps.Dispatcher,
		sessions:    deps.Sessions,
		eventsSvc:   deps.Events,
		runs:        deps.Runs,
		runners:     deps.Runners,
		callbacks:   deps.Callbacks,
	}

	s.echo.Use(securityHeaders)
	s.echo.Use(s.authMiddleware())

	s.registerRoutes()
	return s
}

// securityHeaders stamps hardening headers on every response, including
// error paths and streams.
func securityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h := c.Response().Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.healthHandler)

	// Sessions.
	e.POST("/api/v1/sessions", s.createSessionHandler)
	e.GET("/api/v1/sessions", s.listSessionsHandler)
	e.GET("/api/v1/sessions/:id", s.getSessionHandler)
	e.DELETE("/api/v1/sessions/:id", s.deleteSessionHandler)
	e.GET("/api/v1/sessions/:id/status", s.sessionStatusHandler)
	e.GET("/api/v1/sessions/:id/result", s.sessionResultHandler)
	e.GET("/api/v1/sessions/:id/events", s.listEventsHandler)
	e.POST("/api/v1/sessions/:id/events", s.appendEventHandler)

	// Runs.
	e.POST("/api/v1/runs", s.createRunHandler)
	e.GET("/api/v1/runs/:id", s.getRunHandler)
	e.POST("/api/v1/runs/:id/stop", s.stopRunHandler)

	// Runner protocol.
	e.POST("/api/v1/runner/register", s.registerRunnerHandler)
	e.POST("/api/v1/runner/heartbeat", s.heartbeatHandler)
	e.GET("/api/v1/runner/runs", s.pollRunsHandler)
	e.POST("/api/v1/runner/runs/:id/started", s.runStartedHandler)
	e.POST("/api/v1/runner/runs/:id/completed", s.runCompletedHandler)
	e.POST("/api/v1/runner/runs/:id/failed", s.runFailedHandler)
	e.POST("/api/v1/runner/runs/:id/stopped", s.runStoppedHandler)

	// Registry views.
	e.GET("/api/v1/agents", s.listAgentsHandler)
	e.GET("/api/v1/agents/:name", s.getAgentHandler)
	e.GET("/api/v1/runners", s.listRunnersHandler)

	// Callbacks.
	e.GET("/api/v1/callbacks", s.listCallbacksHandler)
	e.POST("/api/v1/callbacks/:id/cancel", s.cancelCallbackHandler)

	// Live streams.
	e.GET("/sse/sessions", s.sseHandler)
	e.GET("/ws/sessions", s.wsHandler)
}

// Handler exposes the routing tree, used by tests and the in-process harness.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
