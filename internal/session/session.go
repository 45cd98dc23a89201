// Package session holds the application-layer call state machine. It is
// the only place call state changes.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callnotify/internal/push"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateIdle      State = "idle"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Reasons recorded when a session ends.
const (
	EndReasonDeclined  = "declined"
	EndReasonTimeout   = "timeout"
	EndReasonCompleted = "completed"
	EndReasonCancelled = "cancelled"
)

// ErrNotFound is returned when no session exists for a call id.
var ErrNotFound = errors.New("session not found")

// CallSession is a snapshot of one call. Duration holds the value of the
// last per-second tick; it stops changing once the call ends.
type CallSession struct {
	CallID      string            `json:"call_id"`
	Caller      push.CallIdentity `json:"caller"`
	State       State             `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	EndReason   string            `json:"end_reason,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// FormatDuration renders d as zero-padded mm:ss. Minutes are not wrapped
// into hours.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// StatusText is the one-line status shown for a session.
func StatusText(s CallSession) string {
	switch s.State {
	case StateRinging:
		return "Incoming call..."
	case StateConnected:
		return FormatDuration(s.Duration)
	case StateEnded:
		return "Call ended"
	default:
		return "Unknown status"
	}
}
