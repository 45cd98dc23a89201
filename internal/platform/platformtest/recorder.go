// Package platformtest provides a recording platform surface for tests.
package platformtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowpbx/callnotify/internal/platform"
	"github.com/flowpbx/callnotify/internal/push"
)

// ErrInjected is returned by primitives configured to fail.
var ErrInjected = errors.New("injected platform failure")

// Recorder implements every platform primitive and records each call. Its
// Fail* fields make the corresponding primitive return ErrInjected.
type Recorder struct {
	FailPost      bool
	FailCancel    bool
	FailShow      bool
	FailDismiss   bool
	FailRing      bool
	FailVibration bool

	mu         sync.Mutex
	posts      []platform.Notification
	cancels    []string
	shows      []push.CallIdentity
	dismisses  []string
	rings      map[string]*Loop
	vibrations map[string]*Loop
}

// New creates an empty Recorder.
func New() *Recorder {
	return &Recorder{
		rings:      make(map[string]*Loop),
		vibrations: make(map[string]*Loop),
	}
}

// Loop is a fake running pattern that counts Stop calls.
type Loop struct {
	mu      sync.Mutex
	stops   int
	stopped chan struct{}
}

func newLoop() *Loop {
	return &Loop{stopped: make(chan struct{})}
}

// Stop implements platform.Stopper.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	if l.stops == 1 {
		close(l.stopped)
	}
}

// Stops returns how many times Stop was called.
func (l *Loop) Stops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}

// Stopped is closed on the first Stop.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Post implements platform.Notifier.
func (r *Recorder) Post(_ context.Context, n platform.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailPost {
		return ErrInjected
	}
	r.posts = append(r.posts, n)
	return nil
}

// Cancel implements platform.Notifier.
func (r *Recorder) Cancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, id)
	if r.FailCancel {
		return ErrInjected
	}
	return nil
}

// Show implements platform.FullScreen.
func (r *Recorder) Show(_ context.Context, call push.CallIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailShow {
		return ErrInjected
	}
	r.shows = append(r.shows, call)
	return nil
}

// Dismiss implements platform.FullScreen.
func (r *Recorder) Dismiss(_ context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismisses = append(r.dismisses, callID)
	if r.FailDismiss {
		return ErrInjected
	}
	return nil
}

// StartRing implements platform.Ringer.
func (r *Recorder) StartRing(_ context.Context, callID string) (platform.Stopper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailRing {
		return nil, ErrInjected
	}
	l := newLoop()
	r.rings[callID] = l
	return l, nil
}

// StartVibration implements platform.Vibrator.
func (r *Recorder) StartVibration(_ context.Context, callID string, _ []time.Duration) (platform.Stopper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailVibration {
		return nil, ErrInjected
	}
	l := newLoop()
	r.vibrations[callID] = l
	return l, nil
}

// Posts returns a copy of every posted notification.
func (r *Recorder) Posts() []platform.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]platform.Notification(nil), r.posts...)
}

// Cancels returns a copy of every cancelled notification id.
func (r *Recorder) Cancels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancels...)
}

// Shows returns a copy of every full-screen presentation.
func (r *Recorder) Shows() []push.CallIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]push.CallIdentity(nil), r.shows...)
}

// Dismisses returns a copy of every full-screen dismissal.
func (r *Recorder) Dismisses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dismisses...)
}

// Ring returns the ring loop started for callID, or nil.
func (r *Recorder) Ring(callID string) *Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rings[callID]
}

// Vibration returns the vibration loop started for callID, or nil.
func (r *Recorder) Vibration(callID string) *Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vibrations[callID]
}

// WaitShown polls until the full-screen view for callID was shown or the
// timeout elapses. The alerting task starts asynchronously, so tests use this
// before asserting on primitives.
func (r *Recorder) WaitShown(callID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range r.Shows() {
			if s.CallID == callID {
				return true
			}
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
