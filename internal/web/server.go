// Package web serves the HTTP API used to launch imports in the background
// and to poll their status and final report.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/status"
	"github.com/JonMunkholm/geoimport/internal/web/middleware"
)

// Launcher runs one import to completion. It publishes progress and the
// final report under taskID.
type Launcher func(ctx context.Context, taskID string, def core.Definition, opts core.BuildOptions) (*core.Report, error)

// TaskReader reads published task statuses.
type TaskReader interface {
	Get(ctx context.Context, taskID string) (*status.Task, error)
}

// Options configures a Server.
type Options struct {
	Launch Launcher
	Tasks  TaskReader // nil disables the task endpoints

	MaxConcurrent  int
	MaxUploadBytes int64
	UploadDir      string // Defaults to the system temp dir

	APIKeys        []string // Protect the launch endpoint when set
	TrustedProxies []string

	Logger *slog.Logger
}

// Server is the HTTP server of the import task API.
type Server struct {
	opts    Options
	limiter *ImportLimiter
	router  *chi.Mux
	server  *http.Server
	logger  *slog.Logger

	// Imports outlive the request that launched them.
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:       opts,
		limiter:    NewImportLimiter(opts.MaxConcurrent),
		router:     chi.NewRouter(),
		logger:     logger,
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/parsers", s.handleListParsers)

		r.With(middleware.APIKeyAuth(s.opts.APIKeys)).Post("/imports/{parser}", s.handleLaunch)

		r.Get("/tasks/{taskID}", s.handleTask)
		r.Get("/tasks/{taskID}/report", s.handleTaskReport)
	})
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running imports until
// ctx is done. Imports still running then are interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancelRuns()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	if n := s.limiter.ActiveCount(); n > 0 {
		s.logger.Info("waiting for imports to complete", "active", n)
	}
	return s.limiter.WaitForDrain(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Limiter returns the import limiter.
func (s *Server) Limiter() *ImportLimiter {
	return s.limiter
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
