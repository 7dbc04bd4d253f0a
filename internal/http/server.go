// Package http provides the docmatch HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/ingest"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodySize leaves room for an ingest.MaxFileSize file in a JSON body.
const maxBodySize = "12M"

// Server provides HTTP endpoints for docmatch.
type Server struct {
	echo    *echo.Echo
	store   store.Store
	search  *search.Service
	ingest  *ingest.Service
	limiter *projectLimiter
	logger  *logging.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained requests per second allowed per
	// project. Zero disables limiting.
	RateLimit float64
	RateBurst int

	ShutdownTimeout time.Duration
}

const defaultShutdownTimeout = 10 * time.Second

// ConfigFromApp maps the server section of the application config.
func ConfigFromApp(c config.ServerConfig) *Config {
	return &Config{
		Host:            c.Host,
		Port:            c.Port,
		RateLimit:       c.RateLimit,
		RateBurst:       c.RateBurst,
		ShutdownTimeout: c.ShutdownTimeout.Duration(),
	}
}

// NewServer creates a new HTTP server. ing may be nil, in which case the
// file endpoints are not registered.
func NewServer(st store.Store, searcher *search.Service, ing *ingest.Service, logger *logging.Logger, cfg *Config) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("search service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:      "localhost",
			Port:      8787,
			RateLimit: 10,
			RateBurst: 20,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		store:   st,
		search:  searcher,
		ingest:  ing,
		limiter: newProjectLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger.Named("http"),
		config:  cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	e.Use(s.logRequests)
	e.Use(middleware.BodyLimit(maxBodySize))

	s.registerRoutes()
	return s, nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		if err != nil && !c.Response().Committed {
			status = toHTTPError(err).Code
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.Match([]string{http.MethodPost, http.MethodOptions}, "/match", s.handleMatch,
		s.cors, s.authenticate, s.rateLimit)
	if s.ingest != nil {
		files := v1.Group("/files", s.authenticate, s.rateLimit, requireToken)
		files.POST("", s.handleUpsertFile)
		files.DELETE("", s.handleDeleteFile)
	}
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully within ShutdownTimeout. It returns nil after a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(ctx, "starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
