// Package status serves a read-only view of a running controller over a
// unix socket: health, Prometheus metrics, the launch journal and a live
// event stream. Nothing reachable through it can launch a process.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/controller/internal/audit"
	"github.com/mattjoyce/controller/internal/dispatch"
)

// LoopStater reports the dispatch loop state.
type LoopStater interface {
	State() dispatch.State
}

// LivenessReporter reports whether the parent is gone.
type LivenessReporter interface {
	ParentGone() bool
}

// LaunchLister lists journal entries.
type LaunchLister interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Config holds status server configuration
type Config struct {
	Socket      string
	PID         int
	ParentPID   int
	CommandPipe string
	AllowList   []string
	Version     string
}

// Server represents the status HTTP server
type Server struct {
	config    Config
	loop      LoopStater
	liveness  LivenessReporter
	journal   LaunchLister
	events    EventStream
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a status server. journal, stream and gatherer may be nil,
// in which case the matching endpoints answer 404.
func New(config Config, loop LoopStater, liveness LivenessReporter, journal LaunchLister, stream EventStream, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		loop:      loop,
		liveness:  liveness,
		journal:   journal,
		events:    stream,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Listen creates the unix socket, replacing a stale socket left by a
// previous run. The socket is only accessible to the controller's user.
func Listen(path string) (net.Listener, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

// Start serves on the configured socket until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.config.Socket)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled (blocking). The socket file is
// removed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		// Open /events streams end with ctx instead of holding Shutdown.
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status server starting", "socket", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Debug("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/launches", s.handleLaunches)
	r.Get("/events", s.handleEvents)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
