// Package http exposes the orchestration engine over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RunService is the engine surface the gateway adapts.
type RunService interface {
	Submit(ctx context.Context, topic string, opts orchestrator.SubmitOptions) (string, error)
	GetRunStatus(ctx context.Context, id string) (orchestrator.Run, error)
	ListRuns(ctx context.Context, limit int) ([]orchestrator.Run, error)
	Envelope(ctx context.Context, id string) (orchestrator.Envelope, error)
	Cancel(ctx context.Context, id string) error
	Stats() orchestrator.GateStats
}

// Server provides HTTP endpoints for orchestrd.
type Server struct {
	echo     *echo.Echo
	runs     RunService
	logger   *logging.Logger
	config   *Config
	validate *validator.Validate
	gatherer prometheus.Gatherer
	metrics  *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves gatherer on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics records request metrics through m.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server over runs.
func NewServer(runs RunService, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9494,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		runs:     runs,
		logger:   logger.Named("http"),
		config:   cfg,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}

	s.registerRoutes()
	return s, nil
}

// requestLogger carries the request id into the request context and logs
// each request once it completes.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit)
	v1.GET("/runs", s.handleList)
	v1.GET("/runs/:id", s.handleStatus)
	v1.GET("/runs/:id/envelope", s.handleEnvelope)
	v1.POST("/runs/:id/cancel", s.handleCancel)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Engine: s.runs.Stats()})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return validationError(err)
	}

	id, err := s.runs.Submit(c.Request().Context(), req.Topic, req.options())
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+id)
	return c.JSON(http.StatusAccepted, SubmitRunResponse{RunID: id, Status: string(orchestrator.RunPending)})
}

func (s *Server) handleList(c echo.Context) error {
	limit := 0
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
	}
	runs, err := s.runs.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleStatus(c echo.Context) error {
	run, err := s.runs.GetRunStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleEnvelope(c echo.Context) error {
	env, err := s.runs.Envelope(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, env)
}

func (s *Server) handleCancel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.runs.Cancel(ctx, id); err != nil {
		return err
	}
	run, err := s.runs.GetRunStatus(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, CancelRunResponse{
		RunID:           id,
		Status:          string(run.Status),
		CancelRequested: run.CancelRequested,
	})
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
