// Package platform defines the boundary between the alerting engine and the
// device it runs on: posting and cancelling notifications, presenting the
// full-screen call view, and driving ring and vibration patterns. Concrete
// surfaces live alongside the contracts (a slog-backed local surface and
// FCM/APNs relays to a companion handset).
package platform

import (
	"context"
	"time"

	"github.com/flowpbx/callnotify/internal/push"
)

// Priority is the notification priority requested from the surface.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityMax     Priority = "max"
)

// Action verbs attached to call notifications.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// Action is a button on a posted notification.
type Action struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Notification is a post request sent to the notification surface.
type Notification struct {
	ID       string
	Channel  string
	Title    string
	Body     string
	Priority Priority
	// Ongoing notifications cannot be swiped away by the user.
	Ongoing bool
	Actions []Action
	// FullScreen, when set, asks the surface to present the full-screen call
	// view for this identity alongside the notification.
	FullScreen *push.CallIdentity
	Data       map[string]string
}

// Notifier posts and cancels notifications.
type Notifier interface {
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id string) error
}

// FullScreen presents and dismisses the lock-screen-overriding call view.
type FullScreen interface {
	Show(ctx context.Context, call push.CallIdentity) error
	Dismiss(ctx context.Context, callID string) error
}

// Stopper stops a running alerting primitive. Stop is idempotent.
type Stopper interface {
	Stop()
}

// Ringer starts a looping ring pattern for a call.
type Ringer interface {
	StartRing(ctx context.Context, callID string) (Stopper, error)
}

// Vibrator starts a repeating vibration pattern for a call.
type Vibrator interface {
	StartVibration(ctx context.Context, callID string, pattern []time.Duration) (Stopper, error)
}

// Channel describes one of the fixed notification channels.
type Channel struct {
	ID               string
	Name             string
	Importance       string
	FullScreen       bool
	Sound            string
	VibrationPattern []time.Duration
}

// DefaultVibrationPattern alternates off/on durations starting with off:
// no delay, buzz 1s, pause 0.5s, buzz 1s.
var DefaultVibrationPattern = []time.Duration{
	0,
	1000 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// DefaultRingPattern is a 2s-on/4s-off ring cadence in the same off/on form.
var DefaultRingPattern = []time.Duration{
	0,
	2 * time.Second,
	4 * time.Second,
}

// CallChannel is the high-importance channel used for incoming calls.
var CallChannel = Channel{
	ID:               "call_notifications",
	Name:             "Incoming Calls",
	Importance:       "high",
	FullScreen:       true,
	Sound:            "ringtone",
	VibrationPattern: DefaultVibrationPattern,
}

// MessageChannel is the default-importance channel for plain messages.
var MessageChannel = Channel{
	ID:         "messages",
	Name:       "Messages",
	Importance: "default",
}
