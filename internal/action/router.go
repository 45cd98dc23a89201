package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/push"
)

// Dismisser tears down the mounted alert for a call and returns the identity
// it was mounted with. ok is false when no alert was mounted.
type Dismisser interface {
	Dismiss(ctx context.Context, callID string) (call push.CallIdentity, ok bool)
}

// Publisher delivers events to the application layer.
type Publisher interface {
	Publish(ev bus.Event) bool
}

// RouterConfig configures resolution marker retention.
type RouterConfig struct {
	// MarkerTTL is how long a resolved call id is remembered. Captures for the
	// same call id after this window are treated as new.
	MarkerTTL time.Duration
	// CleanupInterval is how often expired markers are removed.
	CleanupInterval time.Duration
}

// DefaultRouterConfig keeps markers for 10 minutes and sweeps every minute.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MarkerTTL:       10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// RouterStats is a snapshot of router counters.
type RouterStats struct {
	Published   uint64
	Duplicates  uint64
	Undelivered uint64
	Markers     int
}

// marker records that a call id has been resolved.
type marker struct {
	resolved   atomic.Bool
	resolvedAt atomic.Int64
}

// Router enforces at-most-once delivery of a CallAction per call id. The
// check-and-set on a call's marker is the only mutual-exclusion point between
// capture surfaces; different call ids never contend.
type Router struct {
	markers sync.Map // call id -> *marker
	alerts  Dismisser
	pub     Publisher
	cfg     RouterConfig
	logger  *slog.Logger
	now     func() time.Time

	published   atomic.Uint64
	duplicates  atomic.Uint64
	undelivered atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRouter creates a router and starts background marker cleanup.
func NewRouter(cfg RouterConfig, alerts Dismisser, pub Publisher, logger *slog.Logger) *Router {
	def := DefaultRouterConfig()
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = def.MarkerTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	r := &Router{
		alerts: alerts,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("subsystem", "action-router"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Capture records decision d for callID from surface src. The first capture
// for a call wins: it tears down the call's alert and then publishes the
// CallAction, returning true. Every later capture for the same call returns
// false without side effects. Teardown failures are logged and never keep the
// decision from being published.
func (r *Router) Capture(ctx context.Context, callID string, d Decision, src Source) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("%w: empty call id", ErrInvalidCapture)
	}
	if !d.Valid() {
		return false, fmt.Errorf("%w: unknown decision %q", ErrInvalidCapture, d)
	}
	if !src.Valid() {
		return false, fmt.Errorf("%w: unknown source %q", ErrInvalidCapture, src)
	}

	if !r.claim(callID) {
		r.duplicates.Add(1)
		r.logger.Debug("capture ignored, call already resolved",
			"call_id", callID,
			"decision", d,
			"source", src,
		)
		return false, nil
	}

	var caller push.CallIdentity
	if r.alerts != nil {
		if call, ok := r.alerts.Dismiss(ctx, callID); ok {
			caller = call
		}
	}

	act := CallAction{
		ID:        uuid.NewString(),
		CallID:    callID,
		Decision:  d,
		Source:    src,
		Caller:    caller,
		Timestamp: r.now(),
	}

	r.published.Add(1)
	if !r.pub.Publish(bus.Event{Kind: bus.KindCallAction, Payload: act, At: act.Timestamp}) {
		r.undelivered.Add(1)
		r.logger.Info("call action published with no listener attached",
			"call_id", callID,
			"action_id", act.ID,
			"decision", d,
			"source", src,
		)
		return true, nil
	}

	r.logger.Info("call action published",
		"call_id", callID,
		"action_id", act.ID,
		"decision", d,
		"source", src,
	)
	return true, nil
}

// Resolved reports whether callID already has an authoritative outcome.
func (r *Router) Resolved(callID string) bool {
	v, ok := r.markers.Load(callID)
	return ok && v.(*marker).resolved.Load()
}

// MarkResolved resolves callID without publishing a CallAction, for calls
// withdrawn by the caller. It returns false if the call was already resolved.
func (r *Router) MarkResolved(callID string) bool {
	if callID == "" {
		return false
	}
	return r.claim(callID)
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() RouterStats {
	n := 0
	r.markers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return RouterStats{
		Published:   r.published.Load(),
		Duplicates:  r.duplicates.Load(),
		Undelivered: r.undelivered.Load(),
		Markers:     n,
	}
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// claim atomically flips the marker for callID and reports whether this
// caller was the one to flip it.
func (r *Router) claim(callID string) bool {
	v, _ := r.markers.LoadOrStore(callID, &marker{})
	m := v.(*marker)
	if !m.resolved.CompareAndSwap(false, true) {
		return false
	}
	m.resolvedAt.Store(r.now().UnixNano())
	return true
}

func (r *Router) cleanupLoop() {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// cleanup removes markers resolved longer than MarkerTTL ago.
func (r *Router) cleanup() {
	cutoff := r.now().Add(-r.cfg.MarkerTTL).UnixNano()
	removed := 0
	r.markers.Range(func(key, value any) bool {
		m := value.(*marker)
		at := m.resolvedAt.Load()
		if at != 0 && at < cutoff {
			r.markers.CompareAndDelete(key, m)
			removed++
		}
		return true
	})
	if removed > 0 {
		r.logger.Debug("resolution markers expired", "removed", removed)
	}
}
