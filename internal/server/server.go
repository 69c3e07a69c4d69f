// Package server exposes the keeper's health and Prometheus endpoints. It is
// an operational surface only; positions are not queryable over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpkeeper/internal/server/handler"
	"github.com/alanyoungcy/perpkeeper/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Server serves /api/health and /metrics.
type Server struct {
	httpServer *http.Server
	shutdown   time.Duration
	logger     *slog.Logger
}

// NewServer registers the routes. metrics is typically promhttp.HandlerFor
// on the keeper's registry.
func NewServer(cfg Config, health *handler.HealthHandler, metrics http.Handler, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", middleware.RateLimit(5, 10)(http.HandlerFunc(health.HealthCheck)))
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           middleware.Logging(logger, "/metrics", "/api/health")(mux),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		shutdown: shutdown,
		logger:   logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
