// Package server provides the HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/scttfrdmn/aws-geos-chem-sub000/internal/errors"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/server/handlers"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/server/middleware"
)

// Server is the HTTP API server.
type Server struct {
	host    string
	port    int
	router  chi.Router
	http    *http.Server
	metrics *observability.Metrics
	sims    handlers.SimulationService
	health  bool
}

// Option configures a Server.
type Option func(*Server)

// WithSimulations mounts the /v1 simulation API.
func WithSimulations(svc handlers.SimulationService) Option {
	return func(s *Server) { s.sims = svc }
}

// WithMetrics installs request metrics and exposes /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithoutHealth leaves the /health routes unregistered.
func WithoutHealth() Option {
	return func(s *Server) { s.health = false }
}

// WithTimeouts sets the listener timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.http.ReadTimeout = read
		s.http.WriteTimeout = write
		s.http.IdleTimeout = idle
	}
}

// New builds a server bound to host:port. Routes are registered immediately.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		health: true,
		http: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http.Handler = s.router
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ErrorHandler)
	r.Use(middleware.Logger)
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusNotFound, apperrors.CodeNotFound, "route not found", map[string]any{"path": r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed", map[string]any{"method": r.Method})
	})

	if s.health {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	if s.sims != nil {
		r.Route("/v1", handlers.NewSimulations(s.sims).Routes)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns host:port.
func (s *Server) Addr() string { return s.http.Addr }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	observability.ServerLogger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
