package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/alert"
	"github.com/flowpbx/callnotify/internal/api/middleware"
	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/models"
	"github.com/flowpbx/callnotify/internal/push"
	"github.com/flowpbx/callnotify/internal/session"
)

// Engine is the set of engine operations the HTTP surface drives.
type Engine interface {
	HandlePush(ctx context.Context, msg push.InboundMessage) (alert.Outcome, error)
	TokenRefresh(ctx context.Context, token string) error
	CurrentToken(ctx context.Context) (string, error)
	NotificationOpened(ctx context.Context, data map[string]string) bool
	Capture(ctx context.Context, callID string, d action.Decision, src action.Source) (bool, error)
	EndCall(callID string) bool
	Session(callID string) (session.CallSession, bool)
	Sessions() []session.CallSession
	History(ctx context.Context, filter database.CallRecordListFilter) ([]models.CallRecord, int, error)
	Alerts() []push.CallIdentity
	AttachApp() int
	DetachApp()
	Attached() bool
	Subscribe(kind bus.Kind, handler bus.Handler) *bus.Subscription
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// PushSenderHeader identifies the relay delivering a push; the push
// endpoint is rate limited per sender.
const PushSenderHeader = "X-Push-Sender"

// Options configures optional parts of the server.
type Options struct {
	// SurfaceSecret enables bearer-token auth on /v1 when non-empty.
	SurfaceSecret []byte
	// PushLimiter rate limits POST /v1/push when set.
	PushLimiter *middleware.RateLimiter
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// Health is checked by /healthz when set.
	Health HealthChecker
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	engine Engine
	opts   Options
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(eng Engine, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		engine: eng,
		opts:   opts,
		logger: logger.With("subsystem", "api"),
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireSurfaceAuth(s.opts.SurfaceSecret))

		r.Group(func(r chi.Router) {
			if s.opts.PushLimiter != nil {
				r.Use(middleware.RateLimit(s.opts.PushLimiter, middleware.HeaderOrIP(PushSenderHeader)))
			}
			r.Post("/push", s.handlePush)
		})

		r.Get("/token", s.handleGetToken)
		r.Post("/token", s.handleTokenRefresh)
		r.Post("/notifications/opened", s.handleNotificationOpened)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/action", s.handleCallAction)
				r.Post("/end", s.handleEndCall)
			})
		})

		r.Get("/sessions", s.handleListSessions)
		r.Get("/alerts", s.handleListAlerts)

		r.Route("/app", func(r chi.Router) {
			r.Get("/", s.handleAppState)
			r.Post("/attach", s.handleAttach)
			r.Post("/detach", s.handleDetach)
		})

		r.Get("/events", s.handleEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted", "surface_auth", len(s.opts.SurfaceSecret) > 0)
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health.Healthy(ctx); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"attached": s.engine.Attached(),
	})
}
