package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goliatone/go-relay/adapters/gocommand"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/ratelimit"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 1 << 20
)

type HealthCheck func(ctx context.Context) error

// Dependencies are everything the admin API needs. Limiter and Metrics are
// optional.
type Dependencies struct {
	Handlers gocommand.Handlers
	Limiter  *ratelimit.Middleware
	Metrics  http.Handler
	Health   HealthCheck
	Logger   core.Logger
	Observer core.Observer
}

// Server is the admin HTTP API.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	addr     string
	handlers gocommand.Handlers
	limiter  *ratelimit.Middleware
	metrics  http.Handler
	health   HealthCheck
	logger   core.Logger
	observer core.Observer
}

func New(addr string, deps Dependencies) *Server {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultAddr
	}
	s := &Server{
		router:   chi.NewRouter(),
		addr:     addr,
		handlers: deps.Handlers,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		health:   deps.Health,
		logger:   deps.Logger,
		observer: deps.Observer,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLog)
	s.router.Use(s.recoverer)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, core.NotFoundError(nil, "route", r.URL.Path))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, core.BadInputError("method not allowed for this resource").WithCode(http.StatusMethodNotAllowed))
	})

	s.registerRoutes()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.addr
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logInfo("admin api listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}
