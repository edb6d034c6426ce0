package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/weft/internal/app"
	"github.com/me/weft/internal/config"
	"github.com/me/weft/internal/engine"
	"github.com/me/weft/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 8 << 20
)

// Server is the Weft REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	app       *app.App
	store     store.Store
	metrics   *httpMetrics
	gatherer  prometheus.Gatherer

	// Background runs outlive their request; they share runCtx so Shutdown
	// can cancel them.
	runCtx       context.Context
	cancelRuns   context.CancelFunc
	mu           sync.Mutex
	active       map[string]*activeRun
	wg           sync.WaitGroup
	pollInterval time.Duration
}

type activeRun struct {
	run    *engine.Run
	cancel context.CancelFunc
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetricsRegistry serves /metrics from reg and registers the HTTP
// metrics there. Engine metrics registered on the same registry are served
// too. Without it the server uses a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.gatherer = reg
		s.metrics = newHTTPMetrics(reg)
	}
}

// WithPollInterval sets how often event streams check for new events.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pollInterval = d
	}
}

// New creates a new Server with all routes registered. Runs are executed on
// a's engine and recorded in st.
func New(cfg config.ServerConfig, a *app.App, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger.With("component", "server"),
		config:       cfg,
		startTime:    time.Now(),
		app:          a,
		store:        st,
		runCtx:       runCtx,
		cancelRuns:   cancel,
		active:       make(map[string]*activeRun),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		s.gatherer = reg
		s.metrics = newHTTPMetrics(reg)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(s.metrics.middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// API routes (JSON)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequestSize(maxBodyBytes))

		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Analyses
		r.Route("/analyses", func(r chi.Router) {
			r.Get("/", s.handleListAnalyses)
			r.Post("/", s.handleCreateAnalysis)
			r.Get("/{id}", s.handleGetAnalysis)
		})

		// Types, formats and converters
		r.Route("/formats", func(r chi.Router) {
			r.Get("/", s.handleListFormats)
			r.Get("/path", s.handleFindPath)
		})

		// Workflows are validated without running
		r.Post("/workflows/validate", s.handleValidateWorkflow)

		// Runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleDeleteRun)
				r.Put("/cancel", s.handleCancelRun)
				r.Get("/events", s.handleListEvents)
			})
		})

		// SSE endpoints for real-time updates
		r.Route("/sse", func(r chi.Router) {
			r.Get("/runs/{id}", s.handleSSERun)
		})
	})
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully and cancels background runs.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Shutdown()
	s.logger.Info("server stopped")
	return nil
}

// Shutdown cancels every background run and waits for their results to be
// recorded.
func (s *Server) Shutdown() {
	s.cancelRuns()
	s.wg.Wait()
}
