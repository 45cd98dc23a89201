// Package engine wires the alerting layer (classifier, presenter, router)
// to the application layer (session manager) across the event bus and
// exposes the operations the HTTP surface and the daemon drive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/alert"
	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/models"
	"github.com/flowpbx/callnotify/internal/procstate"
	"github.com/flowpbx/callnotify/internal/push"
	"github.com/flowpbx/callnotify/internal/session"
)

// ErrEmptyToken is returned by TokenRefresh for an empty token.
var ErrEmptyToken = errors.New("push token is empty")

// TokenStore persists the last known push token.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	StoreToken(ctx context.Context, token string) error
}

// Config groups the component configurations.
type Config struct {
	Alert   alert.Config
	Router  action.RouterConfig
	Session session.Config
}

// DefaultConfig returns the default configuration of every component.
func DefaultConfig() Config {
	return Config{
		Alert:   alert.DefaultConfig(),
		Router:  action.DefaultRouterConfig(),
		Session: session.DefaultConfig(),
	}
}

// Engine is one running instance of the notification engine.
type Engine struct {
	bus       *bus.Bus
	detector  *procstate.Detector
	registry  *alert.Registry
	router    *action.Router
	presenter *alert.Presenter
	sessions  *session.Manager
	tokens    TokenStore
	records   database.CallRecordRepository
	logger    *slog.Logger

	mu     sync.Mutex
	detach func()
}

// New builds an engine on b. tokens and records may be nil, in which case
// the push token is not persisted and ended sessions are not archived.
func New(cfg Config, b *bus.Bus, surfaces alert.Surfaces, tokens TokenStore, records database.CallRecordRepository, logger *slog.Logger) *Engine {
	registry := alert.NewRegistry()
	router := action.NewRouter(cfg.Router, registry, b, logger)
	presenter := alert.NewPresenter(cfg.Alert, surfaces, registry, b, router, logger)

	var archive session.Archive
	if records != nil {
		archive = &recordArchive{repo: records}
	}

	return &Engine{
		bus:       b,
		detector:  &procstate.Detector{},
		registry:  registry,
		router:    router,
		presenter: presenter,
		sessions:  session.NewManager(cfg.Session, archive, logger),
		tokens:    tokens,
		records:   records,
		logger:    logger.With("subsystem", "engine"),
	}
}

// HandlePush classifies msg and presents it. Attachment is sampled once,
// here, and not re-evaluated for the lifetime of the resulting alert.
func (e *Engine) HandlePush(ctx context.Context, msg push.InboundMessage) (alert.Outcome, error) {
	c := push.Classify(msg)
	if c.Category == push.CategoryCall {
		e.restoreArchived(ctx, c.Call.CallID)
	}
	attached := e.detector.IsAttached()

	outcome, err := e.presenter.Present(ctx, c, attached)
	e.logger.Debug("push handled",
		"category", c.Category,
		"call_id", c.Call.CallID,
		"attached", attached,
		"outcome", outcome,
	)
	if outcome == alert.OutcomeCancelled {
		// The call may already be ringing in the application layer.
		e.sessions.Cancel(c.Call.CallID)
	}
	if err != nil {
		return outcome, fmt.Errorf("presenting %s push: %w", c.Category, err)
	}
	return outcome, nil
}

// TokenRefresh persists token and publishes it verbatim as tokenRefresh. A
// persistence failure is returned after the event has been published.
func (e *Engine) TokenRefresh(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	var storeErr error
	if e.tokens != nil {
		storeErr = e.tokens.StoreToken(ctx, token)
	}
	e.bus.Publish(bus.Event{Kind: bus.KindTokenRefresh, Payload: token})
	e.logger.Info("push token refreshed", "persisted", e.tokens != nil && storeErr == nil)

	if storeErr != nil {
		return fmt.Errorf("persisting push token: %w", storeErr)
	}
	return nil
}

// CurrentToken returns the cached push token, or "" if none is known.
func (e *Engine) CurrentToken(ctx context.Context) (string, error) {
	if e.tokens == nil {
		return "", nil
	}
	return e.tokens.Token(ctx)
}

// NotificationOpened publishes the payload of a tapped notification. It
// reports whether anyone was listening.
func (e *Engine) NotificationOpened(_ context.Context, data map[string]string) bool {
	if data == nil {
		data = map[string]string{}
	}
	return e.bus.Publish(bus.Event{Kind: bus.KindNotificationOpened, Payload: data})
}

// Capture registers a decision from a capture surface. Accepting from an
// out-of-band surface while detached brings the application layer up first,
// the way answering from the lock screen launches the app.
func (e *Engine) Capture(ctx context.Context, callID string, d action.Decision, src action.Source) (bool, error) {
	e.restoreArchived(ctx, callID)
	if d == action.Accept && src != action.SourceInApp && src != action.SourceTimeout && !e.detector.IsAttached() {
		if e.router.Resolved(callID) {
			return false, nil
		}
		e.AttachApp()
	}
	return e.router.Capture(ctx, callID, d, src)
}

// restoreArchived re-marks a call as resolved when its marker has expired
// but its session is in the archive, so a redelivered push or a stale
// capture cannot ring or settle it again.
func (e *Engine) restoreArchived(ctx context.Context, callID string) {
	if callID == "" || e.records == nil || e.router.Resolved(callID) {
		return
	}
	rec, err := e.records.GetByCallID(ctx, callID)
	if err != nil {
		e.logger.Warn("checking call archive", "call_id", callID, "error", err)
		return
	}
	if rec != nil && e.router.MarkResolved(callID) {
		e.logger.Debug("archived call marked resolved", "call_id", callID, "end_reason", rec.EndReason)
	}
}

// EndCall ends a connected call locally.
func (e *Engine) EndCall(callID string) bool {
	return e.sessions.End(callID)
}

// Session returns the session snapshot for callID.
func (e *Engine) Session(callID string) (session.CallSession, bool) {
	return e.sessions.Get(callID)
}

// Sessions returns every live session.
func (e *Engine) Sessions() []session.CallSession {
	return e.sessions.Live()
}

// History lists archived sessions.
func (e *Engine) History(ctx context.Context, filter database.CallRecordListFilter) ([]models.CallRecord, int, error) {
	if e.records == nil {
		return nil, 0, nil
	}
	return e.records.List(ctx, filter)
}

// Alerts returns the calls with a mounted out-of-band alert.
func (e *Engine) Alerts() []push.CallIdentity {
	return e.presenter.Active()
}

// AttachApp attaches the application layer: its session manager subscribes
// to the bus, the detector flips to attached and sessions are re-derived for
// alerts that were mounted while detached. It returns the number of
// sessions re-derived.
func (e *Engine) AttachApp() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detach == nil {
		// Subscribe before flipping the detector so nothing forwarded in
		// between is dropped.
		e.detach = e.sessions.Attach(e.bus)
	}
	if e.detector.Attach() {
		e.logger.Info("application attached")
	}
	return e.sessions.Resync(e.presenter.Active())
}

// DetachApp detaches the application layer. Events for it are dropped from
// now on; sessions already known stay queryable.
func (e *Engine) DetachApp() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detector.Detach() {
		e.logger.Info("application detached")
	}
	if e.detach != nil {
		e.detach()
		e.detach = nil
	}
}

// Attached reports whether the application layer is attached.
func (e *Engine) Attached() bool {
	return e.detector.IsAttached()
}

// Subscribe attaches handler to bus events of kind.
func (e *Engine) Subscribe(kind bus.Kind, handler bus.Handler) *bus.Subscription {
	return e.bus.Subscribe(kind, handler)
}

// Detector returns the process-state detector.
func (e *Engine) Detector() *procstate.Detector { return e.detector }

// Presenter returns the alert presenter.
func (e *Engine) Presenter() *alert.Presenter { return e.presenter }

// Router returns the action router.
func (e *Engine) Router() *action.Router { return e.router }

// SessionManager returns the session manager.
func (e *Engine) SessionManager() *session.Manager { return e.sessions }

// Close tears down mounted alerts, stops the router and the session
// manager, and detaches the application layer. The bus is owned by the
// caller and left open.
func (e *Engine) Close(ctx context.Context) error {
	err := e.presenter.Shutdown(ctx)
	e.DetachApp()
	e.router.Stop()
	e.sessions.Close()
	if err != nil {
		return fmt.Errorf("shutting down presenter: %w", err)
	}
	return nil
}

// recordArchive stores ended sessions as call records.
type recordArchive struct {
	repo database.CallRecordRepository
}

func (a *recordArchive) ArchiveSession(ctx context.Context, s session.CallSession) error {
	return a.repo.Create(ctx, toRecord(s))
}

// toRecord converts a session snapshot. Times are stored in UTC so the
// archive orders and prunes them correctly as text.
func toRecord(s session.CallSession) *models.CallRecord {
	rec := &models.CallRecord{
		CallID:      s.CallID,
		CallerName:  s.Caller.CallerName,
		CallerID:    s.Caller.CallerID,
		StartedAt:   s.StartedAt.UTC(),
		EndReason:   s.EndReason,
		DurationSec: int(s.Duration / time.Second),
	}
	if s.ConnectedAt != nil {
		t := s.ConnectedAt.UTC()
		rec.ConnectedAt = &t
	}
	if s.EndedAt != nil {
		rec.EndedAt = s.EndedAt.UTC()
	}
	return rec
}
