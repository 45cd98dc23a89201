package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a bus event type.
type Kind string

const (
	KindNotificationReceived Kind = "notificationReceived"
	KindCallAction           Kind = "callAction"
	KindNotificationOpened   Kind = "notificationOpened"
	KindTokenRefresh         Kind = "tokenRefresh"
	KindIncomingCall         Kind = "incomingCall"
)

// Kinds lists every event kind the bus carries.
var Kinds = []Kind{
	KindNotificationReceived,
	KindCallAction,
	KindNotificationOpened,
	KindTokenRefresh,
	KindIncomingCall,
}

// Event is a single bus message. Payload's concrete type depends on Kind:
// action.CallAction for KindCallAction, push.CallIdentity for
// KindIncomingCall, map[string]string for the notification kinds and string
// for KindTokenRefresh.
type Event struct {
	Kind    Kind
	Payload any
	At      time.Time
}

// Handler consumes events for one subscription. Handlers run on the
// subscription's own goroutine and may block without affecting publishers.
type Handler func(Event)

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// Bus is a best-effort publish/subscribe channel between the alerting layer
// and the application layer. Publish never blocks and never queues events for
// subscribers that attach later: with nobody listening, the event is dropped.
// Each subscriber receives its events in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscriber
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64

	logger *slog.Logger
}

// New creates an empty bus. A bus is expected to be created once per process
// and shared explicitly.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]*subscriber),
		logger: logger.With("subsystem", "bus"),
	}
}

// Publish delivers ev to every subscriber of ev.Kind currently attached. It
// reports whether at least one subscriber received the event. A zero At is
// stamped with the current time.
func (b *Bus) Publish(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subs[ev.Kind]
	if b.closed || len(subs) == 0 {
		b.dropped.Add(1)
		b.logger.Debug("event dropped, no subscriber attached", "kind", ev.Kind)
		return false
	}

	// Enqueueing under the read lock keeps per-subscriber order consistent
	// with the order publishes acquired the lock.
	for _, s := range subs {
		s.enqueue(ev)
	}
	b.published.Add(1)
	return true
}

// Subscribe attaches handler to events of the given kind. Events published
// before Subscribe returns are not replayed.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := newSubscriber(b.nextID, kind, handler, b.logger)
	if b.closed {
		s.stop(false)
		return &Subscription{bus: b, sub: s}
	}

	b.subs[kind] = append(b.subs[kind], s)
	go s.run()

	return &Subscription{bus: b, sub: s}
}

// HasSubscribers reports whether any subscriber is attached for kind.
func (b *Bus) HasSubscribers(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind]) > 0
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close detaches every subscriber after letting each drain the events it
// already holds. It must not be called from inside a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for kind, subs := range b.subs {
		all = append(all, subs...)
		delete(b.subs, kind)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.stop(true)
	}
	for _, s := range all {
		<-s.done
	}
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.kind]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.kind]) == 0 {
		delete(b.subs, s.kind)
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Unsubscribe detaches the subscription. Events still queued for it are
// discarded. Calling Unsubscribe more than once is a no-op, and it is safe to
// call from inside the subscription's own handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.sub)
		s.sub.stop(false)
	})
}

// subscriber is one mailbox drained by its own goroutine.
type subscriber struct {
	id      uint64
	kind    Kind
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool
	drain   bool

	wake chan struct{}
	done chan struct{}
}

func newSubscriber(id uint64, kind Kind, handler Handler, logger *slog.Logger) *subscriber {
	return &subscriber{
		id:      id,
		kind:    kind,
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends the run loop. With drain set, queued events are delivered first.
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.drain = drain
	if !drain {
		s.queue = nil
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)

	for range s.wake {
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			stopped, drain := s.stopped, s.drain
			s.mu.Unlock()

			if stopped && !drain {
				return
			}
			if len(batch) == 0 {
				if stopped {
					return
				}
				break
			}
			for _, ev := range batch {
				if s.discarding() {
					return
				}
				s.deliver(ev)
			}
		}
	}
}

func (s *subscriber) discarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped && !s.drain
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("bus handler panicked",
				"kind", ev.Kind,
				"subscriber", s.id,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.handler(ev)
}
