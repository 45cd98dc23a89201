package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/callnotify/internal/bus"
)

const (
	// eventBuffer bounds events queued per stream before they are dropped.
	eventBuffer = 64
	// keepaliveInterval is how often an idle stream gets a comment line.
	keepaliveInterval = 15 * time.Second
)

// streamEvent is the data line of one server-sent event.
type streamEvent struct {
	Kind    bus.Kind  `json:"kind"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// parseKinds reads the comma separated ?kinds parameter. An empty value
// selects every kind.
func parseKinds(raw string) ([]bus.Kind, string) {
	if strings.TrimSpace(raw) == "" {
		return bus.Kinds, ""
	}

	known := make(map[bus.Kind]bool, len(bus.Kinds))
	for _, k := range bus.Kinds {
		known[k] = true
	}

	var kinds []bus.Kind
	seen := make(map[bus.Kind]bool)
	for _, part := range strings.Split(raw, ",") {
		k := bus.Kind(strings.TrimSpace(part))
		if !known[k] {
			return nil, fmt.Sprintf("unknown event kind %q", k)
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, ""
}

// handleEvents handles GET /v1/events, streaming bus events to the
// application layer as server-sent events. The stream subscribes like any
// other bus consumer, so while it is open the bus no longer drops events for
// the selected kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, errMsg := parseKinds(r.URL.Query().Get("kinds"))
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("events: clearing write deadline failed", "error", err)
	}

	events := make(chan bus.Event, eventBuffer)
	forward := func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("events: stream buffer full, dropping event", "kind", ev.Kind)
		}
	}

	subs := make([]*bus.Subscription, 0, len(kinds))
	for _, k := range kinds {
		subs = append(subs, s.engine.Subscribe(k, forward))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error("events: streaming not supported", "error", err)
		return
	}

	s.logger.Debug("events: stream opened", "kinds", kinds, "remote_addr", r.RemoteAddr)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("events: stream closed", "remote_addr", r.RemoteAddr)
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case ev := <-events:
			data, err := json.Marshal(streamEvent{Kind: ev.Kind, Payload: ev.Payload, At: ev.At})
			if err != nil {
				s.logger.Error("events: encoding event failed", "kind", ev.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
