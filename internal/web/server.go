// Package web provides the HTTP API for submitting and inspecting import tasks.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/erpimport/internal/core"
	"github.com/JonMunkholm/erpimport/internal/task"
	"github.com/JonMunkholm/erpimport/internal/web/middleware"
)

// Options configures the HTTP layer. Zero values get the defaults below.
type Options struct {
	// MaxFileSize is the largest accepted upload in bytes.
	MaxFileSize int64
	// MaxMemory is the multipart memory budget before spilling to disk.
	MaxMemory int64
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string
	// Health reports dependency health for /healthz; nil means always healthy.
	Health func(ctx context.Context) error
}

// HTTP defaults.
const (
	DefaultMaxFileSize    = 100 << 20
	DefaultMaxMemory      = 32 << 20
	DefaultRequestTimeout = 60 * time.Second

	// multipartOverhead leaves room for form fields and boundaries.
	multipartOverhead = 1 << 20
)

// Server is the HTTP server for the import API.
type Server struct {
	manager  *task.Manager
	registry *task.Registry
	uploads  *core.UploadLimiter
	opts     Options
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a Server. A nil limiter allows unbounded submissions.
func NewServer(manager *task.Manager, registry *task.Registry, uploads *core.UploadLimiter, opts Options) *Server {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = DefaultMaxMemory
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{
		manager:  manager,
		registry: registry,
		uploads:  uploads,
		opts:     opts,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(middleware.RequestMetadata)
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(s.opts.RequestTimeout))
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.opts.MetricsPath != "" {
		s.router.Handle(s.opts.MetricsPath, promhttp.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/import-types", s.handleListTypes)

		r.Route("/import-tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleSearchTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Get("/{id}/failures", s.handleFindFailures)
			r.Post("/{id}/retry", s.handleRetryTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for open submissions.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	if s.uploads != nil {
		return s.uploads.WaitForDrain(ctx)
	}
	return nil
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
