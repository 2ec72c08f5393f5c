// Package http provides the HTTP server and API handlers for renderd.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/clipjoint/renderd/internal/http/middleware"
)

// ServerConfig holds the listener and policy settings for the API server.
type ServerConfig struct {
	// Host and Port form the bind address.
	Host string
	Port int

	// ReadTimeout bounds reading an entire request. WriteTimeout bounds
	// response writes; zero disables it, which the progress websocket
	// needs for its unbounded response window. IdleTimeout is how long a
	// keep-alive connection may sit between requests.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ShutdownTimeout caps the drain of in-flight requests at shutdown.
	ShutdownTimeout time.Duration

	// CORSOrigins lists the origins allowed to call the API. Empty
	// means "*".
	CORSOrigins []string
}

// DefaultServerConfig returns the server settings used unless the
// configuration file overrides them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server owns the chi router, the huma API mounted on it, and the
// underlying http.Server lifecycle.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer assembles the middleware chain and the OpenAPI surface. The
// version string appears in the generated spec and should match the build
// version.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORSWithConfig(corsConfig(config.CORSOrigins)))

	// Compression must not wrap upgrade requests. The progress channel
	// hijacks the connection, and a wrapped writer would hide the
	// http.Hijacker the upgrade needs.
	router.Use(middleware.SkipCompressionForUpgrade(chimiddleware.Compress(5)))

	humaConfig := huma.DefaultConfig("renderd API", version)
	humaConfig.Info.Description = "Non-linear video editor rendering and export API"

	return &Server{
		config: config,
		router: router,
		api:    humachi.New(router, humaConfig),
		logger: logger,
	}
}

// corsConfig builds the CORS policy for the configured origins.
func corsConfig(origins []string) middleware.CORSConfig {
	cfg := middleware.DefaultCORSConfig()
	if len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	return cfg
}

// API returns the huma API for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router for routes huma cannot express, such as
// the websocket upgrade.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs the server until the context is canceled, then
// drains it. It blocks for the lifetime of the server.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- s.start()
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(context.Background())
	case err := <-errs:
		return err
	}
}

func (s *Server) start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

func (s *Server) shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server", "timeout", s.config.ShutdownTimeout)

	drainCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
