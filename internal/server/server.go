// package server contains middleware & handlers for the plan and gate HTTP API
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/shared"
)

// Middleware wraps an http.Handler and returns a new http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Handler groups endpoints that register themselves on a router.
type Handler interface {
	Register(r chi.Router) // Register mounts the handler's routes
}

// Config configures a [Server].
type Config struct {
	Addr            string
	Logger          *log.Logger
	Metrics         *metrics.Metrics
	ShutdownTimeout time.Duration
}

// Server serves the HTTP API until its context ends.
type Server struct {
	http    *http.Server
	logger  *log.Logger
	timeout time.Duration
}

// New creates a Server whose router mounts handlers behind the standard middleware.
func New(cfg Config, handlers ...Handler) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := shared.WithLogger(cfg.Logger, "component", "server")
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(logger, cfg.Metrics, handlers...),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:  logger,
		timeout: cfg.ShutdownTimeout,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.http.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
