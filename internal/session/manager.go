package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/push"
)

// Archive stores ended sessions.
type Archive interface {
	ArchiveSession(ctx context.Context, s CallSession) error
}

// Config configures a Manager.
type Config struct {
	// TickInterval is the duration counter period.
	TickInterval time.Duration
	// EndedRetention is how long an ended call id is remembered, both for
	// lookups and to keep Ended terminal against late events.
	EndedRetention time.Duration
	// ArchiveTimeout bounds a single archive write.
	ArchiveTimeout time.Duration
}

// DefaultConfig ticks once per second and remembers ended calls for 10
// minutes.
func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		EndedRetention: 10 * time.Minute,
		ArchiveTimeout: 10 * time.Second,
	}
}

type liveSession struct {
	s        CallSession
	stopTick chan struct{}
}

// Manager owns every call session. Ended sessions leave the live set, are
// written to the archive in the background and are kept as terminal
// tombstones for EndedRetention.
type Manager struct {
	cfg     Config
	archive Archive
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	live  map[string]*liveSession
	ended map[string]CallSession

	wg sync.WaitGroup
}

// NewManager creates a session manager. archive may be nil.
func NewManager(cfg Config, archive Archive, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.EndedRetention <= 0 {
		cfg.EndedRetention = def.EndedRetention
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = def.ArchiveTimeout
	}
	return &Manager{
		cfg:     cfg,
		archive: archive,
		logger:  logger.With("subsystem", "session"),
		now:     time.Now,
		live:    make(map[string]*liveSession),
		ended:   make(map[string]CallSession),
	}
}

// Incoming creates a ringing session for call. It returns false if the call
// id is empty, already live or already ended.
func (m *Manager) Incoming(call push.CallIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incomingLocked(call)
}

func (m *Manager) incomingLocked(call push.CallIdentity) bool {
	if call.CallID == "" {
		return false
	}
	if _, ok := m.ended[call.CallID]; ok {
		m.logger.Debug("incoming call ignored, call already ended", "call_id", call.CallID)
		return false
	}
	if _, ok := m.live[call.CallID]; ok {
		return false
	}

	m.live[call.CallID] = &liveSession{s: CallSession{
		CallID:    call.CallID,
		Caller:    call,
		State:     StateRinging,
		StartedAt: m.now(),
	}}
	m.logger.Info("call ringing", "call_id", call.CallID, "caller_name", call.CallerName)
	return true
}

// Apply feeds an authoritative CallAction into the state machine. An action
// for an unknown call that carries the caller's identity adopts the call,
// which is how decisions made while the application was detached surface
// as sessions. It returns false when the action causes no transition.
func (m *Manager) Apply(act action.CallAction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ended[act.CallID]; ok {
		m.logger.Debug("call action ignored, call already ended", "call_id", act.CallID, "decision", act.Decision)
		return false
	}

	ls, ok := m.live[act.CallID]
	if !ok {
		if act.Caller.CallID != act.CallID || !m.incomingLocked(act.Caller) {
			m.logger.Debug("call action ignored, unknown call", "call_id", act.CallID, "decision", act.Decision)
			return false
		}
		ls = m.live[act.CallID]
		m.logger.Info("call adopted from action", "call_id", act.CallID, "source", act.Source)
	}

	if ls.s.State != StateRinging {
		m.logger.Debug("call action ignored", "call_id", act.CallID, "state", ls.s.State, "decision", act.Decision)
		return false
	}

	switch act.Decision {
	case action.Accept:
		now := m.now()
		ls.s.State = StateConnected
		ls.s.ConnectedAt = &now
		ls.stopTick = make(chan struct{})
		m.wg.Add(1)
		go m.runTicker(act.CallID, now, ls.stopTick)
		m.logger.Info("call connected", "call_id", act.CallID, "source", act.Source)
	case action.Decline:
		reason := EndReasonDeclined
		if act.Source == action.SourceTimeout {
			reason = EndReasonTimeout
		}
		m.finishLocked(ls, reason)
	default:
		return false
	}
	return true
}

// End ends a connected call on the local user's request. It returns false
// unless the call was connected.
func (m *Manager) End(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.live[callID]
	if !ok || ls.s.State != StateConnected {
		return false
	}
	m.finishLocked(ls, EndReasonCompleted)
	return true
}

// Cancel ends a ringing call that was withdrawn by the caller. A call the
// manager has not seen yet is remembered as ended, so an incomingCall
// delivered after the withdrawal cannot start it ringing. Connected and
// ended calls are left alone. It returns true if the call is now ended
// because of this withdrawal.
func (m *Manager) Cancel(callID string) bool {
	if callID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ended[callID]; ok {
		return false
	}
	if ls, ok := m.live[callID]; ok {
		if ls.s.State != StateRinging {
			m.logger.Debug("cancel ignored", "call_id", callID, "state", ls.s.State)
			return false
		}
		m.finishLocked(ls, EndReasonCancelled)
		return true
	}

	now := m.now()
	m.pruneLocked(now)
	m.ended[callID] = CallSession{
		CallID:    callID,
		Caller:    push.CallIdentity{CallID: callID},
		State:     StateEnded,
		StartedAt: now,
		EndedAt:   &now,
		EndReason: EndReasonCancelled,
	}
	m.logger.Debug("call withdrawn before it reached the application", "call_id", callID)
	return true
}

// finishLocked moves ls to Ended, freezing its duration at the last tick.
func (m *Manager) finishLocked(ls *liveSession, reason string) {
	now := m.now()
	if ls.stopTick != nil {
		close(ls.stopTick)
		ls.stopTick = nil
	}
	ls.s.State = StateEnded
	ls.s.EndedAt = &now
	ls.s.EndReason = reason

	delete(m.live, ls.s.CallID)
	m.pruneLocked(now)
	m.ended[ls.s.CallID] = ls.s

	m.logger.Info("call ended",
		"call_id", ls.s.CallID,
		"reason", reason,
		"duration", FormatDuration(ls.s.Duration),
	)

	if m.archive != nil {
		snapshot := ls.s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ArchiveTimeout)
			defer cancel()
			if err := m.archive.ArchiveSession(ctx, snapshot); err != nil {
				m.logger.Error("archiving call session", "call_id", snapshot.CallID, "error", err)
			}
		}()
	}
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.EndedRetention)
	for id, s := range m.ended {
		if s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(m.ended, id)
		}
	}
}

func (m *Manager) runTicker(callID string, connectedAt time.Time, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if ls, ok := m.live[callID]; ok && ls.s.State == StateConnected {
				ls.s.Duration = m.now().Sub(connectedAt).Truncate(time.Second)
			}
			m.mu.Unlock()
		}
	}
}

// Get returns a snapshot of the session for callID, live or recently ended.
func (m *Manager) Get(callID string) (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[callID]; ok {
		return ls.s, true
	}
	s, ok := m.ended[callID]
	return s, ok
}

// Duration returns the call's duration: now - connectedAt while connected,
// the last tick's value once ended, and zero before connection.
func (m *Manager) Duration(callID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[callID]; ok {
		if ls.s.State == StateConnected {
			return m.now().Sub(*ls.s.ConnectedAt).Truncate(time.Second), true
		}
		return 0, true
	}
	if s, ok := m.ended[callID]; ok {
		return s.Duration, true
	}
	return 0, false
}

// Live returns snapshots of every ringing or connected session.
func (m *Manager) Live() []CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CallSession, 0, len(m.live))
	for _, ls := range m.live {
		out = append(out, ls.s)
	}
	return out
}

// Counts returns the number of ringing and connected sessions.
func (m *Manager) Counts() (ringing, connected int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ls := range m.live {
		switch ls.s.State {
		case StateRinging:
			ringing++
		case StateConnected:
			connected++
		}
	}
	return ringing, connected
}

// Resync re-derives ringing sessions for calls whose out-of-band alert is
// still mounted, since their incomingCall events were never delivered. It
// returns the number of sessions created.
func (m *Manager) Resync(calls []push.CallIdentity) int {
	n := 0
	for _, c := range calls {
		if m.Incoming(c) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("sessions re-derived from mounted alerts", "count", n)
	}
	return n
}

// Attach subscribes the manager to incomingCall and callAction events and
// returns a function that detaches it again.
func (m *Manager) Attach(b *bus.Bus) (detach func()) {
	incoming := b.Subscribe(bus.KindIncomingCall, func(ev bus.Event) {
		call, ok := ev.Payload.(push.CallIdentity)
		if !ok {
			m.logger.Warn("unexpected incomingCall payload", "type", fmt.Sprintf("%T", ev.Payload))
			return
		}
		m.Incoming(call)
	})
	actions := b.Subscribe(bus.KindCallAction, func(ev bus.Event) {
		act, ok := ev.Payload.(action.CallAction)
		if !ok {
			m.logger.Warn("unexpected callAction payload", "type", fmt.Sprintf("%T", ev.Payload))
			return
		}
		m.Apply(act)
	})

	return func() {
		incoming.Unsubscribe()
		actions.Unsubscribe()
	}
}

// Close stops every duration counter and waits for pending archive writes.
// Sessions are left in their current state.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, ls := range m.live {
		if ls.stopTick != nil {
			close(ls.stopTick)
			ls.stopTick = nil
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}
