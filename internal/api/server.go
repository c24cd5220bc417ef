package api

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/qsmgw/internal/events"
	"github.com/mattjoyce/qsmgw/internal/jobs"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/sessionlog"
)

// SessionService is the orchestration surface the handlers drive.
type SessionService interface {
	Submit(ctx context.Context, req jobs.Request) (jobs.Submission, error)
	Status(id string) (session.Session, error)
	List() []session.Session
	Stop(ctx context.Context, id string) (session.Session, error)
	Tail(ctx context.Context, id string) (iter.Seq[sessionlog.Chunk], error)
	Artifact(id string) (session.Session, error)
}

// EngineStatus reports on the shared engine for /healthz.
type EngineStatus interface {
	Alive() bool
	Generation() uint64
}

// Config holds API server configuration
type Config struct {
	Listen string
	// MaxUploadBytes caps a run_start request body.
	MaxUploadBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	sessions  SessionService
	engine    EngineStatus
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, sessions SessionService, engine EngineStatus, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		sessions:  sessions,
		engine:    engine,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for Start and for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/ping", s.handlePing)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Get("/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Post("/run_start", s.handleRunStart)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/status/{sessionID}", s.handleStatus)
		r.Get("/log/{sessionID}", s.handleLog)
		r.Post("/stop/{sessionID}", s.handleStop)
		r.Get("/download/{sessionID}", s.handleDownload)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
