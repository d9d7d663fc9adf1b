// Package server wires the admission components into the gateway's HTTP
// surface: path sanitizing, rate limiting and webhook/lifecycle admission
// in front of small acknowledgement handlers, plus health and metrics
// endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/StricklySoft/addon-admission/pkg/auth"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
	"github.com/StricklySoft/addon-admission/pkg/pathsafe"
	"github.com/StricklySoft/addon-admission/pkg/ratelimit"
	"github.com/StricklySoft/addon-admission/pkg/tokenstore"
)

// Route patterns.
const (
	PathHealth             = "/healthz"
	PathMetrics            = "/metrics"
	PathWebhook            = "/webhook/{event}"
	PathLifecycleInstalled = "/lifecycle/installed"
	PathLifecycleDeleted   = "/lifecycle/deleted"
)

// Server timeouts.
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds listener settings.
type Config struct {
	Addr string

	// AddonIdentity is the add-on key every token's subject must carry.
	AddonIdentity string

	MaxBodyBytes int64

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = auth.DefaultMaxBodyBytes
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// HealthCheck is one named dependency probe for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the server routes to. Gate and Store are
// required.
type Deps struct {
	Gate  *auth.AdmissionGate
	Store tokenstore.Store

	// Rotator, when set, turns a re-install for a known workspace into a
	// secret rotation so webhooks signed with the old secret keep
	// verifying for the grace period.
	Rotator *tokenstore.Rotator

	// Limiter is optional; nil disables rate limiting.
	Limiter  ratelimit.Limiter
	LimitKey ratelimit.KeyFunc

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Health []HealthCheck
	Events events.Sink
	Logger *slog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

// New validates deps and builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Gate == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: admission gate is required")
	}
	if deps.Store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: token store is required")
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admission gateway listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("admission gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server: listen failed: %w", err)
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(pathsafe.Middleware(s.logger))

	r.Get(PathHealth, s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, PathMetrics, s.deps.Metrics)
	}

	mw := auth.MiddlewareConfig{
		AddonIdentity: s.cfg.AddonIdentity,
		MaxBodyBytes:  s.cfg.MaxBodyBytes,
		Logger:        s.logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter: s.deps.Limiter,
			KeyFunc: s.deps.LimitKey,
			Events:  s.deps.Events,
			Logger:  s.logger,
		}))

		r.With(auth.HTTPMiddleware(s.deps.Gate, mw)).Post(PathWebhook, s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.LifecycleMiddleware(s.deps.Gate, mw))
			r.Post(PathLifecycleInstalled, s.handleInstalled)
			r.Post(PathLifecycleDeleted, s.handleDeleted)
		})
	})
	return r
}

// logRequests logs method, path, status and latency. Bodies and headers are
// never logged.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"decision_id", ww.Header().Get(auth.HeaderDecisionID),
		)
	})
}
