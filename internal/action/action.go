// Package action turns user decisions arriving from any capture surface into
// one canonical CallAction per call.
package action

import (
	"errors"
	"time"

	"github.com/flowpbx/callnotify/internal/push"
)

// Decision is the user's answer to an incoming call.
type Decision string

const (
	Accept  Decision = "accept"
	Decline Decision = "decline"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == Accept || d == Decline
}

// Source names the surface a decision was captured on.
type Source string

const (
	SourceInApp        Source = "in_app_ui"
	SourceFullScreen   Source = "full_screen_ui"
	SourceNotification Source = "notification_action"
	// SourceTimeout marks the implicit decline issued when the ring timeout
	// elapses without a user decision.
	SourceTimeout Source = "timeout"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceInApp, SourceFullScreen, SourceNotification, SourceTimeout:
		return true
	}
	return false
}

// ErrInvalidCapture is returned for a capture with an empty call id or an
// unknown decision or source. Losing a race is never an error.
var ErrInvalidCapture = errors.New("invalid capture")

// CallAction is the authoritative decision for a call. Caller is set when
// the decision resolved a mounted out-of-band alert, so the application layer
// can adopt a call it never saw ring.
type CallAction struct {
	ID        string            `json:"id"`
	CallID    string            `json:"call_id"`
	Decision  Decision          `json:"decision"`
	Source    Source            `json:"source"`
	Caller    push.CallIdentity `json:"caller"`
	Timestamp time.Time         `json:"timestamp"`
}
