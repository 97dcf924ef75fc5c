// Package server provides the HTTP server and routing for quantlab.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/quantlab/internal/di"
	"github.com/aristath/quantlab/internal/metrics"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Container *di.Container // DI container with all services

	// HeartbeatInterval is the idle gap between SSE keep-alives.
	HeartbeatInterval time.Duration
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	port           int
	container      *di.Container
	registry       *prometheus.Registry
	jobHandlers    *JobHandlers
	streamHandlers *StreamHandlers
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()
	c := cfg.Container

	s := &Server{
		router:         chi.NewRouter(),
		log:            log,
		port:           cfg.Port,
		container:      c,
		registry:       prometheus.NewRegistry(),
		jobHandlers:    NewJobHandlers(c.JobManager, c.Analyses, c.ArchiveStore, c.Reaper, cfg.Log),
		streamHandlers: NewStreamHandlers(c.JobManager, cfg.HeartbeatInterval, cfg.Log),
		systemHandlers: NewSystemHandlers(c.JobManager, c.ArchiveStore, c.HistoryDB, cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	// No WriteTimeout: job streams stay open until the job finishes.
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Request metrics
	httpMetrics := metrics.NewMiddleware("quantlab")
	httpMetrics.MustRegister(s.registry)
	s.router.Use(httpMetrics.Handler)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.registry},
		promhttp.HandlerOpts{},
	))

	s.router.Route("/api", func(r chi.Router) {
		// Streams run for the lifetime of a job and are kept out of the
		// request timeout.
		r.Get("/jobs/{id}/stream", s.streamHandlers.HandleSSE)
		r.Get("/jobs/{id}/ws", s.streamHandlers.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/kinds", s.jobHandlers.HandleListKinds)

			r.Get("/jobs", s.jobHandlers.HandleListJobs)
			r.Post("/jobs/cleanup", s.jobHandlers.HandleCleanup)
			r.Post("/jobs/{kind}", s.jobHandlers.HandleSubmit)
			r.Get("/jobs/{id}", s.jobHandlers.HandleGetJob)
			r.Post("/jobs/{id}/cancel", s.jobHandlers.HandleCancel)

			r.Get("/system/stats", s.systemHandlers.HandleStats)
		})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
