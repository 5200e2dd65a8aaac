// Package api provides the HTTP API server for the fleet control plane.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/fleet/internal/api/handlers"
	"github.com/narvanalabs/fleet/internal/api/health"
	"github.com/narvanalabs/fleet/internal/api/middleware"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	svc           *fleet.Service
	broker        *events.Broker
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server over the fleet service. broker feeds the event stream.
func NewServer(cfg *config.Config, svc *fleet.Service, broker *events.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		svc:           svc,
		broker:        broker,
		config:        cfg,
		logger:        logger,
		healthChecker: health.NewChecker(svc, Version),
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.healthChecker.Handler())

	clusters := handlers.NewClusterHandler(s.svc, s.logger)
	nodes := handlers.NewNodeHandler(s.svc, s.logger)
	jobs := handlers.NewJobHandler(s.svc, s.logger)
	pools := handlers.NewPoolHandler(s.svc, s.logger)
	stream := handlers.NewEventHandler(s.broker, s.logger)

	r.Route("/v1", func(r chi.Router) {
		// Long-lived; must not sit behind the request timeout.
		r.Get("/events", stream.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Route("/clusters", func(r chi.Router) {
				r.Post("/", clusters.Create)
				r.Get("/", clusters.List)
				r.Route("/{clusterID}", func(r chi.Router) {
					r.Get("/", clusters.Get)
					r.Delete("/", clusters.Delete)
					r.Get("/summary", clusters.Summary)
					r.Get("/details", clusters.Details)
					r.Get("/nodes", clusters.Nodes)
				})
			})

			r.Route("/nodes", func(r chi.Router) {
				r.Post("/", nodes.Register)
				r.Route("/{nodeID}", func(r chi.Router) {
					r.Get("/", nodes.Get)
					r.Delete("/", nodes.Deregister)
					r.Post("/heartbeat", nodes.Heartbeat)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", jobs.Submit)
				r.Get("/", jobs.List)
				r.Route("/{jobID}", func(r chi.Router) {
					r.Get("/", jobs.Get)
					r.Post("/cancel", jobs.Cancel)
				})
			})

			r.Route("/instance-pools", func(r chi.Router) {
				r.Post("/", pools.Create)
				r.Get("/", pools.List)
				r.Get("/{poolID}", pools.Get)
			})

			r.Get("/reconciler/stats", func(w http.ResponseWriter, r *http.Request) {
				handlers.WriteJSON(w, http.StatusOK, s.svc.ReconcilerStats())
			})
		})
	})

	s.router = r
}

// Health returns the health checker so callers can register extra probes.
func (s *Server) Health() *health.Checker {
	return s.healthChecker
}

// Start starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	timeout := 30 * time.Second
	if s.config != nil && s.config.ShutdownTimeout > 0 {
		timeout = s.config.ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
