// Package server wires the HTTP surface: middleware, routes and startup.
package server

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"helpdesk/internal/config"
	"helpdesk/internal/database"
	"helpdesk/internal/handlers"
	"helpdesk/internal/responder"
)

// Server represents the application server
type Server struct {
	echo      *echo.Echo
	store     *database.Store
	responder *responder.Responder
	config    *config.Config
	logger    zerolog.Logger
}

// New creates a new server instance
func New(cfg *config.Config, store *database.Store, rsp *responder.Responder, logger zerolog.Logger) *Server {
	return &Server{
		config:    cfg,
		store:     store,
		responder: rsp,
		logger:    logger,
	}
}

// zerologMiddleware creates a zerolog-based logging middleware for Echo
func (s *Server) zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			s.logger.Info().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Str("user_agent", req.UserAgent()).
				Msg("HTTP request")

			return err
		}
	}
}

// Initialize sets up the Echo framework with middleware and routes
func (s *Server) Initialize() {
	s.echo = echo.New()

	s.echo.Use(s.zerologMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.echo.HideBanner = true

	s.setupRoutes()
}

// setupRoutes configures all the application routes
func (s *Server) setupRoutes() {
	// Health endpoints (kept at root level for monitoring)
	s.echo.GET("/healthz", handlers.HealthHandler(s.config.Version))
	s.echo.GET("/healthz/db", handlers.DBHealthHandler(s.store.DB))

	api := s.echo.Group("/api/mailboxes/:slug")

	api.POST("/chat", handlers.ChatHandler(s.store, s.responder, s.logger))
	api.GET("/usage", handlers.UsageSummaryHandler(s.store, s.logger))

	conversations := api.Group("/conversations/:conversationSlug")
	conversations.GET("", handlers.GetConversationHandler(s.store, s.logger))
	conversations.PATCH("", handlers.UpdateConversationHandler(s.store, s.logger))
	conversations.POST("/replies", handlers.CreateReplyHandler(s.store, s.logger))
	conversations.POST("/escalate", handlers.EscalateConversationHandler(s.store, s.logger))
	conversations.POST("/draft", handlers.GenerateDraftHandler(s.store, s.responder, s.logger))
	conversations.GET("/events", handlers.ListConversationEventsHandler(s.store, s.logger))
	conversations.GET("/workflow-runs", handlers.ListWorkflowRunsHandler(s.store, s.logger))

	api.GET("/workflows", handlers.ListWorkflowsHandler(s.store, s.logger))
	api.POST("/workflows", handlers.CreateWorkflowHandler(s.store, s.responder, s.logger))
	api.PUT("/workflows/:id", handlers.UpdateWorkflowHandler(s.store, s.logger))
	api.DELETE("/workflows/:id", handlers.DeleteWorkflowHandler(s.store, s.logger))
	api.POST("/workflows/reorder", handlers.ReorderWorkflowsHandler(s.store, s.logger))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("port", s.config.Port).Msg("Server starting")
	return s.echo.Start(":" + s.config.Port)
}
