// Package alert presents classified pushes to the user: plain notifications
// for messages, a bus event for calls while the application is attached, and
// a mounted out-of-band alert (persistent notification, full-screen view,
// ring, vibration and a ring timeout) for calls while it is detached.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/platform"
	"github.com/flowpbx/callnotify/internal/push"
)

// Display defaults for notifications whose payload left a field empty.
const (
	DefaultMessageTitle = "New Message"
	DefaultPushTitle    = "Push Notification"
	IncomingCallTitle   = "Incoming Call"
)

// Resolver settles calls. The action router implements it.
type Resolver interface {
	Capture(ctx context.Context, callID string, d action.Decision, src action.Source) (bool, error)
	Resolved(callID string) bool
	MarkResolved(callID string) bool
}

// Config controls alert behaviour.
type Config struct {
	// RingTimeout is how long a call alert runs before it is declined on
	// the user's behalf. Zero disables the ceiling.
	RingTimeout      time.Duration
	VibrationPattern []time.Duration
}

// DefaultConfig returns a 45s ring timeout and the default vibration
// pattern.
func DefaultConfig() Config {
	return Config{
		RingTimeout:      45 * time.Second,
		VibrationPattern: platform.DefaultVibrationPattern,
	}
}

// Outcome describes what Present did with a push.
type Outcome string

const (
	OutcomePosted    Outcome = "posted"
	OutcomeForwarded Outcome = "forwarded"
	OutcomeMounted   Outcome = "mounted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCancelled Outcome = "cancelled"
)

// Stats is a snapshot of presenter counters.
type Stats struct {
	Posted    uint64
	Forwarded uint64
	Mounted   uint64
	Duplicate uint64
	Timeouts  uint64
	Cancelled uint64
	Active    int
}

// Presenter decides how each classified push reaches the user.
type Presenter struct {
	cfg      Config
	surfaces Surfaces
	registry *Registry
	pub      action.Publisher
	resolver Resolver
	logger   *slog.Logger

	wg sync.WaitGroup

	posted    atomic.Uint64
	forwarded atomic.Uint64
	mounted   atomic.Uint64
	duplicate atomic.Uint64
	timeouts  atomic.Uint64
	cancelled atomic.Uint64
}

// NewPresenter creates a presenter that mounts alerts into registry and
// settles timed-out calls through resolver.
func NewPresenter(cfg Config, s Surfaces, registry *Registry, pub action.Publisher, resolver Resolver, logger *slog.Logger) *Presenter {
	if len(cfg.VibrationPattern) == 0 {
		cfg.VibrationPattern = platform.DefaultVibrationPattern
	}
	return &Presenter{
		cfg:      cfg,
		surfaces: s,
		registry: registry,
		pub:      pub,
		resolver: resolver,
		logger:   logger.With("subsystem", "alert"),
	}
}

// Present handles one classified push. attached is the application's
// attachment state sampled by the caller at decision time. The raw payload
// is always published as notificationReceived first. An error means part of
// the presentation failed; the returned Outcome still describes what was
// done.
func (p *Presenter) Present(ctx context.Context, c push.Classified, attached bool) (Outcome, error) {
	p.pub.Publish(bus.Event{Kind: bus.KindNotificationReceived, Payload: c.Raw})

	switch c.Category {
	case push.CategoryCall:
		if c.Call.CallID == "" {
			// Without a call id the alert could never be resolved, so it is
			// shown as an informational notification only.
			p.logger.Warn("call push without call id", "caller_name", c.Call.CallerName)
			return p.post(ctx, IncomingCallTitle, callBody(c.Call), c.Raw)
		}
		if p.resolver.Resolved(c.Call.CallID) {
			p.duplicate.Add(1)
			p.logger.Debug("call already resolved, push ignored", "call_id", c.Call.CallID)
			return OutcomeDuplicate, nil
		}
		if attached {
			p.forwarded.Add(1)
			p.pub.Publish(bus.Event{Kind: bus.KindIncomingCall, Payload: c.Call})
			p.logger.Info("incoming call forwarded to application", "call_id", c.Call.CallID)
			return OutcomeForwarded, nil
		}
		return p.mount(ctx, c.Call)

	case push.CategoryCallCancel:
		if p.Cancel(ctx, c.Call.CallID) {
			return OutcomeCancelled, nil
		}
		return OutcomeDuplicate, nil

	case push.CategoryMessage:
		title := c.Title
		if title == "" {
			title = DefaultMessageTitle
		}
		return p.post(ctx, title, c.Body, c.Raw)

	default:
		title := c.Title
		if title == "" {
			title = DefaultPushTitle
		}
		return p.post(ctx, title, c.Body, c.Raw)
	}
}

// Cancel withdraws the call: the call is marked resolved so later captures
// and redelivered pushes are no-ops, and any mounted alert is torn down. It
// returns false if the call was already resolved.
func (p *Presenter) Cancel(ctx context.Context, callID string) bool {
	if !p.resolver.MarkResolved(callID) {
		return false
	}
	p.cancelled.Add(1)
	_, mounted := p.registry.Dismiss(ctx, callID)
	p.logger.Info("call withdrawn", "call_id", callID, "alert_mounted", mounted)
	return true
}

// Active returns the calls with a mounted alert.
func (p *Presenter) Active() []push.CallIdentity {
	return p.registry.Active()
}

// Stats returns a snapshot of presenter counters.
func (p *Presenter) Stats() Stats {
	return Stats{
		Posted:    p.posted.Load(),
		Forwarded: p.forwarded.Load(),
		Mounted:   p.mounted.Load(),
		Duplicate: p.duplicate.Load(),
		Timeouts:  p.timeouts.Load(),
		Cancelled: p.cancelled.Load(),
		Active:    p.registry.Len(),
	}
}

// Shutdown tears down every mounted alert without a decision and waits for
// the alerting tasks to exit or ctx to end.
func (p *Presenter) Shutdown(ctx context.Context) error {
	if n := p.registry.DismissAll(ctx); n > 0 {
		p.logger.Info("dismissed alerts on shutdown", "count", n)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for alerting tasks: %w", ctx.Err())
	}
}

func (p *Presenter) post(ctx context.Context, title, body string, data map[string]string) (Outcome, error) {
	p.posted.Add(1)
	if p.surfaces.Notifier == nil {
		return OutcomePosted, nil
	}
	n := platform.Notification{
		ID:       uuid.NewString(),
		Channel:  platform.MessageChannel.ID,
		Title:    title,
		Body:     body,
		Priority: platform.PriorityDefault,
		Data:     data,
	}
	if err := p.surfaces.Notifier.Post(ctx, n); err != nil {
		p.logger.Warn("posting notification failed", "notification_id", n.ID, "error", err)
		return OutcomePosted, fmt.Errorf("posting notification: %w", err)
	}
	return OutcomePosted, nil
}

// mount registers an alert for call, posts its persistent notification and
// starts the alerting task. A call that is already mounted or resolved is a
// redelivery and left alone.
func (p *Presenter) mount(ctx context.Context, call push.CallIdentity) (Outcome, error) {
	taskCtx, cancel := context.WithCancel(context.Background())
	h := newHandle(call, p.surfaces, cancel, p.logger)

	if !p.registry.mount(h) {
		cancel()
		p.duplicate.Add(1)
		p.logger.Debug("call alert already mounted, push ignored", "call_id", call.CallID)
		return OutcomeDuplicate, nil
	}
	// The call may have been resolved between the caller's check and the
	// mount; the router would not have seen this handle.
	if p.resolver.Resolved(call.CallID) {
		p.registry.remove(ctx, h)
		p.duplicate.Add(1)
		return OutcomeDuplicate, nil
	}

	p.mounted.Add(1)
	p.logger.Info("call alert mounted", "call_id", call.CallID, "caller_name", call.CallerName)

	var errs []error
	if p.surfaces.Notifier != nil {
		if err := p.surfaces.Notifier.Post(ctx, callNotification(call)); err != nil {
			h.logger.Warn("posting call notification failed", "error", err)
			errs = append(errs, fmt.Errorf("posting call notification: %w", err))
		} else if h.isStopped() {
			_ = p.surfaces.Notifier.Cancel(context.WithoutCancel(ctx), h.notificationID)
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runAlerting(taskCtx, h)
	}()

	return OutcomeMounted, errors.Join(errs...)
}

// runAlerting is the alerting task for one mounted call. It owns its own
// context, which the handle cancels on teardown. Each primitive is started
// independently; a failure is logged and the others still run.
func (p *Presenter) runAlerting(ctx context.Context, h *Handle) {
	if ctx.Err() != nil {
		return
	}
	callID := h.call.CallID

	if fs := p.surfaces.FullScreen; fs != nil {
		if err := fs.Show(ctx, h.call); err != nil {
			h.logger.Warn("presenting full-screen view failed", "error", err)
		} else if h.isStopped() {
			_ = fs.Dismiss(context.Background(), callID)
		}
	}

	if p.surfaces.Ringer != nil {
		if s, err := p.surfaces.Ringer.StartRing(ctx, callID); err != nil {
			h.logger.Warn("starting ring failed", "error", err)
		} else {
			h.adopt(func(s platform.Stopper) { h.ring = s }, s)
		}
	}

	if p.surfaces.Vibrator != nil {
		if s, err := p.surfaces.Vibrator.StartVibration(ctx, callID, p.cfg.VibrationPattern); err != nil {
			h.logger.Warn("starting vibration failed", "error", err)
		} else {
			h.adopt(func(s platform.Stopper) { h.vibration = s }, s)
		}
	}

	if p.cfg.RingTimeout <= 0 {
		<-ctx.Done()
		return
	}

	timer := time.NewTimer(p.cfg.RingTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	p.timeouts.Add(1)
	h.logger.Info("ring timeout elapsed, declining call", "timeout", p.cfg.RingTimeout)

	won, err := p.resolver.Capture(context.Background(), callID, action.Decline, action.SourceTimeout)
	if err != nil {
		h.logger.Error("resolving timed out call", "error", err)
	}
	if !won {
		// Resolved elsewhere without reaching this handle.
		p.registry.remove(context.Background(), h)
	}
}

func callNotification(call push.CallIdentity) platform.Notification {
	fs := call
	return platform.Notification{
		ID:       NotificationID(call.CallID),
		Channel:  platform.CallChannel.ID,
		Title:    IncomingCallTitle,
		Body:     callBody(call),
		Priority: platform.PriorityMax,
		Ongoing:  true,
		Actions: []platform.Action{
			{Label: "Decline", Action: platform.ActionDecline},
			{Label: "Accept", Action: platform.ActionAccept},
		},
		FullScreen: &fs,
		Data: map[string]string{
			push.KeyCallID:     call.CallID,
			push.KeyCallerName: call.CallerName,
			push.KeyCallerID:   call.CallerID,
		},
	}
}

func callBody(call push.CallIdentity) string {
	return call.CallerName + " is calling..."
}
