package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/callnotify/internal/push"
)

// LogSurface is a headless implementation of every platform primitive. It
// records what a device would display in structured logs and drives ring and
// vibration patterns with LoopPlayer, so timing and teardown behave as they
// would on a handset.
type LogSurface struct {
	logger      *slog.Logger
	ringPattern []time.Duration

	mu      sync.Mutex
	posted  map[string]Notification
	showing map[string]push.CallIdentity
}

// NewLogSurface creates a LogSurface. A nil ringPattern selects
// DefaultRingPattern.
func NewLogSurface(logger *slog.Logger, ringPattern []time.Duration) *LogSurface {
	if len(ringPattern) == 0 {
		ringPattern = DefaultRingPattern
	}
	return &LogSurface{
		logger:      logger.With("subsystem", "surface"),
		ringPattern: ringPattern,
		posted:      make(map[string]Notification),
		showing:     make(map[string]push.CallIdentity),
	}
}

// Post logs n. Only ongoing notifications are tracked as displayed; plain
// ones are fire-and-forget and nothing ever cancels them.
func (s *LogSurface) Post(_ context.Context, n Notification) error {
	if n.ID == "" {
		return fmt.Errorf("posting notification: empty id")
	}

	if n.Ongoing {
		s.mu.Lock()
		s.posted[n.ID] = n
		s.mu.Unlock()
	}

	s.logger.Info("notification posted",
		"notification_id", n.ID,
		"channel", n.Channel,
		"priority", n.Priority,
		"ongoing", n.Ongoing,
		"title", n.Title,
		"body", n.Body,
		"actions", len(n.Actions),
		"full_screen", n.FullScreen != nil,
	)
	return nil
}

// Cancel removes a posted notification. Cancelling an unknown id is not an
// error.
func (s *LogSurface) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.posted[id]
	delete(s.posted, id)
	s.mu.Unlock()

	if ok {
		s.logger.Info("notification cancelled", "notification_id", id)
	}
	return nil
}

// Show records the full-screen view for call as presented.
func (s *LogSurface) Show(_ context.Context, call push.CallIdentity) error {
	s.mu.Lock()
	s.showing[call.CallID] = call
	s.mu.Unlock()

	s.logger.Info("full-screen call view shown",
		"call_id", call.CallID,
		"caller_name", call.CallerName,
		"caller_id", call.CallerID,
	)
	return nil
}

// Dismiss removes the full-screen view for callID if it is showing.
func (s *LogSurface) Dismiss(_ context.Context, callID string) error {
	s.mu.Lock()
	_, ok := s.showing[callID]
	delete(s.showing, callID)
	s.mu.Unlock()

	if ok {
		s.logger.Info("full-screen call view dismissed", "call_id", callID)
	}
	return nil
}

// StartRing loops the ring cadence until the returned Stopper is stopped.
func (s *LogSurface) StartRing(_ context.Context, callID string) (Stopper, error) {
	logger := s.logger.With("call_id", callID, "primitive", "ring")
	p, err := StartLoop(s.ringPattern, func(p Pulse) {
		if p.On {
			logger.Debug("ring", "seq", p.Seq, "duration_ms", p.Duration.Milliseconds())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("starting ring: %w", err)
	}
	logger.Info("ring started")
	return p, nil
}

// StartVibration repeats pattern until the returned Stopper is stopped.
func (s *LogSurface) StartVibration(_ context.Context, callID string, pattern []time.Duration) (Stopper, error) {
	logger := s.logger.With("call_id", callID, "primitive", "vibration")
	p, err := StartLoop(pattern, func(p Pulse) {
		if p.On {
			logger.Debug("vibrate", "seq", p.Seq, "duration_ms", p.Duration.Milliseconds())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("starting vibration: %w", err)
	}
	logger.Info("vibration started")
	return p, nil
}

// Posted returns the ids of displayed ongoing notifications, sorted.
func (s *LogSurface) Posted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.posted))
	for id := range s.posted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Showing reports whether the full-screen view for callID is presented.
func (s *LogSurface) Showing(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.showing[callID]
	return ok
}
