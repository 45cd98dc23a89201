package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callnotify/internal/platform"
	"github.com/flowpbx/callnotify/internal/push"
)

// teardownTimeout bounds each platform call made while tearing an alert down.
const teardownTimeout = 5 * time.Second

// Surfaces groups the platform primitives an alert drives. Nil members are
// skipped.
type Surfaces struct {
	Notifier   platform.Notifier
	FullScreen platform.FullScreen
	Ringer     platform.Ringer
	Vibrator   platform.Vibrator
}

// Handle is a mounted out-of-band alert for one call: the persistent
// notification plus the alerting task that runs the full-screen view, ring
// and vibration. The notification and the task are torn down together, once.
type Handle struct {
	call           push.CallIdentity
	notificationID string
	mountedAt      time.Time
	surfaces       Surfaces
	logger         *slog.Logger

	// cancel stops the alerting task's context.
	cancel context.CancelFunc

	mu        sync.Mutex
	stopped   bool
	ring      platform.Stopper
	vibration platform.Stopper

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func newHandle(call push.CallIdentity, s Surfaces, cancel context.CancelFunc, logger *slog.Logger) *Handle {
	return &Handle{
		call:           call,
		notificationID: NotificationID(call.CallID),
		mountedAt:      time.Now(),
		surfaces:       s,
		logger:         logger.With("call_id", call.CallID),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// NotificationID returns the id of the persistent notification for callID.
func NotificationID(callID string) string {
	return "call-" + callID
}

// Call returns the identity the alert was mounted for.
func (h *Handle) Call() push.CallIdentity { return h.call }

// MountedAt returns when the alert was mounted.
func (h *Handle) MountedAt() time.Time { return h.mountedAt }

// Done is closed once teardown has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop tears the alert down: it cancels the alerting task, stops ring and
// vibration, dismisses the full-screen view and cancels the notification.
// Each step runs regardless of earlier failures. Only the first call does
// any work; every call returns the joined teardown errors.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		defer close(h.done)

		h.mu.Lock()
		h.stopped = true
		ring, vibration := h.ring, h.vibration
		h.ring, h.vibration = nil, nil
		h.mu.Unlock()

		h.cancel()

		if ring != nil {
			ring.Stop()
		}
		if vibration != nil {
			vibration.Stop()
		}

		ctx = context.WithoutCancel(ctx)
		var errs []error
		if h.surfaces.FullScreen != nil {
			if err := h.platformCall(ctx, func(ctx context.Context) error {
				return h.surfaces.FullScreen.Dismiss(ctx, h.call.CallID)
			}); err != nil {
				h.logger.Warn("dismissing full-screen view failed", "error", err)
				errs = append(errs, fmt.Errorf("dismissing full-screen view: %w", err))
			}
		}
		if h.surfaces.Notifier != nil {
			if err := h.platformCall(ctx, func(ctx context.Context) error {
				return h.surfaces.Notifier.Cancel(ctx, h.notificationID)
			}); err != nil {
				h.logger.Warn("cancelling call notification failed", "error", err)
				errs = append(errs, fmt.Errorf("cancelling notification: %w", err))
			}
		}
		h.stopErr = errors.Join(errs...)

		h.logger.Info("call alert torn down", "alerted_for", time.Since(h.mountedAt).Round(time.Millisecond))
	})
	return h.stopErr
}

func (h *Handle) platformCall(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	return fn(ctx)
}

// adopt hands a started primitive to the handle. If the handle was already
// stopped the primitive is stopped immediately and adopt returns false.
func (h *Handle) adopt(set func(platform.Stopper), s platform.Stopper) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		s.Stop()
		return false
	}
	set(s)
	h.mu.Unlock()
	return true
}

func (h *Handle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
