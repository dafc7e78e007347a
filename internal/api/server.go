package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/engine"
	"github.com/seantiz/igprov/internal/model"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	unixPrefix     = "unix:"
	socketFileMode = 0o660
)

// Engine is the provisioning engine as seen by the control surface.
type Engine interface {
	StartProvisioning(ctx context.Context, endpointURL string, auth backend.AuthParams) (model.Status, error)
	StartCoreDownload(ctx context.Context, endpointURL string, auth backend.AuthParams) (model.Status, error)
	PerformCoreUpdate(ctx context.Context) (model.Status, error)
	SyncLogs(ctx context.Context) int
	Properties(ctx context.Context) (engine.Properties, error)
	Broker() *engine.StatusBroker
}

// History lists persisted transitions.
type History interface {
	ListTransitions(ctx context.Context, limit, offset int) ([]model.Transition, int, error)
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	engine   Engine
	history  History
	registry *backend.Registry
	logger   *slog.Logger
	addr     string
	ready    *atomic.Bool
}

// NewServer creates and configures a new HTTP server. addr is a TCP address
// or "unix:" followed by a socket path.
func NewServer(addr string, eng Engine, hist History, reg *backend.Registry, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		engine:   eng,
		history:  hist,
		registry: reg,
		logger:   logger,
		addr:     addr,
		ready:    atomic.NewBool(false),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/provisioning", s.handleStartProvisioning)
		r.Post("/core/download", s.handleCoreDownload)
		r.Post("/core/update", s.handleCoreUpdate)
		r.Post("/logs/sync", s.handleSyncLogs)

		r.Get("/properties", s.handleGetProperties)
		r.Get("/status/events", s.handleStatusEvents)
		r.Get("/history", s.handleListHistory)
		r.Get("/backends", s.handleListBackends)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// SetReady flips the readiness reported by /readyz.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Serve listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := listen(s.addr)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func listen(addr string) (net.Listener, error) {
	path, ok := strings.CutPrefix(addr, unixPrefix)
	if !ok {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return ln, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, socketFileMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
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
