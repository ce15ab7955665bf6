// Package api exposes the pipeline controller over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
)

// EventSource reads the pipeline event log.
type EventSource interface {
	GetPipelineHistory(ctx context.Context, pipelineID string) ([]db.PipelineEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]db.PipelineEvent, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
	// MaxIterations bounds execute and approve requests that do not set
	// their own limit. Zero means config.DefaultMaxIterations.
	MaxIterations int
}

// Server provides HTTP endpoints for stagehand.
type Server struct {
	echo     *echo.Echo
	ctrl     *orchestrator.Controller
	events   EventSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	config   *Config
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables the event history endpoints.
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a new HTTP server.
func NewServer(ctrl *orchestrator.Controller, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("controller cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: config.DefaultServerAddr}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:     e,
		ctrl:     ctrl,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/templates", s.handleTemplates)
	v1.GET("/events", s.handleRecentEvents)
	v1.GET("/pipelines", s.handleList)
	v1.POST("/pipelines", s.handleCreate)
	v1.GET("/pipelines/:id", s.handleGet)
	v1.DELETE("/pipelines/:id", s.handleDelete)
	v1.GET("/pipelines/:id/events", s.handleHistory)
	v1.POST("/pipelines/:id/execute", s.handleExecute)
	v1.POST("/pipelines/:id/approve", s.handleApprove)
	v1.POST("/pipelines/:id/reject", s.handleReject)
	v1.POST("/pipelines/:id/abort", s.handleAbort)
}

// ServeHTTP lets the server be mounted or tested without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// executeOpts applies the server's iteration limit when a request sets none.
func (s *Server) executeOpts(requested int) orchestrator.ExecuteOpts {
	if requested > 0 {
		return orchestrator.ExecuteOpts{MaxIterations: requested}
	}
	if s.config.MaxIterations > 0 {
		return orchestrator.ExecuteOpts{MaxIterations: s.config.MaxIterations}
	}
	return orchestrator.ExecuteOpts{MaxIterations: config.DefaultMaxIterations}
}

// httpError maps controller errors to status codes.
func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case orchestrator.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case orchestrator.IsInvalidTransition(err), errors.Is(err, orchestrator.ErrEscalationMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err))
}
