package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/manager"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultPollInterval = 500 * time.Millisecond
)

// Config holds the HTTP server settings.
type Config struct {
	Addr string
	// PollInterval is the interval clients are told to poll at and the
	// interval event streams check the manager on.
	PollInterval time.Duration
	// SubmitRate limits job submissions per second. Zero disables the limit.
	SubmitRate  float64
	SubmitBurst int
	// TokenSecret signs job tokens. A random secret is generated when empty,
	// so tokens do not survive a restart.
	TokenSecret []byte
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router       *chi.Mux
	manager      *manager.Manager
	backends     *backend.Registry
	tokens       *tokenSigner
	limiter      *rate.Limiter
	logger       *slog.Logger
	addr         string
	pollInterval time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, m *manager.Manager, backends *backend.Registry, logger *slog.Logger) (*Server, error) {
	tokens, err := newTokenSigner(cfg.TokenSecret)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}

	srv := &Server{
		router:       chi.NewRouter(),
		manager:      m,
		backends:     backends,
		tokens:       tokens,
		limiter:      rate.NewLimiter(limit, cfg.SubmitBurst),
		logger:       logger,
		addr:         cfg.Addr,
		pollInterval: cfg.PollInterval,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", sessionHeader},
		ExposedHeaders:   []string{"X-Request-Id", sessionHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	srv.router.Use(sessionMiddleware)

	srv.routes()

	return srv, nil
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/functions", s.handleListFunctions)
	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Delete("/v1/cache/{key}", s.handleClearCache)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.With(s.limitSubmissions).Post("/", s.handleSubmitJob)
		r.Get("/{key}", s.handlePollJob)
		r.Get("/{key}/progress", s.handleGetProgress)
		r.Get("/{key}/events", s.handleStreamEvents)
		r.Delete("/{key}", s.handleCancelJob)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
