package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/glimte/wa-relay/health"
	"github.com/glimte/wa-relay/internal/metrics"
	"github.com/glimte/wa-relay/internal/middleware"
)

// RouteRegistrar mounts its routes on a mux
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Webhook       RouteRegistrar
	Health        *health.Registry
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	ShutdownGrace time.Duration
}

type Server struct {
	httpServer    *http.Server
	handler       http.Handler
	logger        *slog.Logger
	shutdownGrace time.Duration
}

func New(addr string, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := deps.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.LivenessHandler())
	if deps.Health != nil {
		mux.Handle("GET /readyz", health.NewHandler(deps.Health, 5*time.Second))
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	if deps.Webhook != nil {
		deps.Webhook.RegisterRoutes(mux)
	}

	var handler http.Handler = mux
	handler = middleware.Recover(logger, deps.Metrics)(handler)
	handler = middleware.Logging(logger, deps.Metrics)(handler)
	handler = middleware.RequestID(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler:       handler,
		logger:        logger,
		shutdownGrace: grace,
	}
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then stops accepting connections and
// gives in-flight requests the shutdown grace period to finish.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("server shutting down", "grace", s.shutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("draining in-flight requests: %w", err)
		}
		return nil
	}
}
