package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/alert"
	"github.com/flowpbx/callnotify/internal/api/middleware"
	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/models"
	"github.com/flowpbx/callnotify/internal/push"
	"github.com/flowpbx/callnotify/internal/session"
)

type captureCall struct {
	callID   string
	decision action.Decision
	source   action.Source
}

// fakeEngine records calls and returns canned results. Subscribe goes to a
// real bus so event streaming can be exercised end to end.
type fakeEngine struct {
	bus *bus.Bus

	mu         sync.Mutex
	pushes     []push.InboundMessage
	outcome    alert.Outcome
	pushErr    error
	token      string
	tokenErr   error
	captures   []captureCall
	captureRet bool
	sessions   map[string]session.CallSession
	ended      []string
	filter     database.CallRecordListFilter
	history    []models.CallRecord
	alerts     []push.CallIdentity
	attached   bool
	opened     []map[string]string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	b := bus.New(slog.Default())
	t.Cleanup(b.Close)
	return &fakeEngine{
		bus:      b,
		outcome:  alert.OutcomeMounted,
		sessions: make(map[string]session.CallSession),
	}
}

func (f *fakeEngine) HandlePush(_ context.Context, msg push.InboundMessage) (alert.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, msg)
	return f.outcome, f.pushErr
}

func (f *fakeEngine) TokenRefresh(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return f.tokenErr
	}
	f.token = token
	return nil
}

func (f *fakeEngine) CurrentToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeEngine) NotificationOpened(_ context.Context, data map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, data)
	return true
}

func (f *fakeEngine) Capture(_ context.Context, callID string, d action.Decision, src action.Source) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, captureCall{callID, d, src})
	return f.captureRet, nil
}

func (f *fakeEngine) EndCall(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.sessions[callID]
	if !ok || cs.State != session.StateConnected {
		return false
	}
	now := time.Now()
	cs.State = session.StateEnded
	cs.EndedAt = &now
	cs.EndReason = session.EndReasonCompleted
	f.sessions[callID] = cs
	f.ended = append(f.ended, callID)
	return true
}

func (f *fakeEngine) Session(callID string) (session.CallSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.sessions[callID]
	return cs, ok
}

func (f *fakeEngine) Sessions() []session.CallSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.CallSession, 0, len(f.sessions))
	for _, cs := range f.sessions {
		out = append(out, cs)
	}
	return out
}

func (f *fakeEngine) History(_ context.Context, filter database.CallRecordListFilter) ([]models.CallRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.history, len(f.history), nil
}

func (f *fakeEngine) Alerts() []push.CallIdentity { return f.alerts }

func (f *fakeEngine) AttachApp() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = true
	return len(f.alerts)
}

func (f *fakeEngine) DetachApp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = false
}

func (f *fakeEngine) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

func (f *fakeEngine) Subscribe(kind bus.Kind, handler bus.Handler) *bus.Subscription {
	return f.bus.Subscribe(kind, handler)
}

type stubHealth struct{ err error }

func (s stubHealth) Healthy(context.Context) error { return s.err }

// doRequest runs one request through srv and decodes the envelope data into
// out when out is non-nil.
func doRequest(t *testing.T, srv http.Handler, method, path, body string, header http.Header, out any) (int, string) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decoding envelope: %v (body %q)", method, path, err, w.Body.String())
	}
	if out != nil && env.Error == "" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("%s %s: decoding data: %v", method, path, err)
		}
	}
	return w.Code, env.Error
}

func TestHealth(t *testing.T) {
	eng := newFakeEngine(t)

	srv := NewServer(eng, Options{Health: stubHealth{}}, slog.Default())
	var got map[string]any
	if code, _ := doRequest(t, srv, http.MethodGet, "/healthz", "", nil, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got["status"] != "ok" {
		t.Errorf("expected status ok, got %v", got)
	}

	srv = NewServer(eng, Options{Health: stubHealth{err: errors.New("db gone")}}, slog.Default())
	if code, msg := doRequest(t, srv, http.MethodGet, "/healthz", "", nil, nil); code != http.StatusServiceUnavailable || msg != "unhealthy" {
		t.Errorf("expected 503 unhealthy, got %d %q", code, msg)
	}
}

func TestPush(t *testing.T) {
	eng := newFakeEngine(t)
	srv := NewServer(eng, Options{}, slog.Default())

	body := `{"data":{"type":"call","callId":"c1","callerName":"Alice"}}`
	var resp pushResponse
	code, _ := doRequest(t, srv, http.MethodPost, "/v1/push", body, nil, &resp)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if resp.Outcome != alert.OutcomeMounted {
		t.Errorf("expected outcome mounted, got %q", resp.Outcome)
	}
	if len(eng.pushes) != 1 || eng.pushes[0].Data["callId"] != "c1" {
		t.Errorf("push not forwarded: %+v", eng.pushes)
	}

	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/push", "", nil, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty body, got %d", code)
	}
}

func TestPushPartialFailureStillAccepted(t *testing.T) {
	eng := newFakeEngine(t)
	eng.pushErr = errors.New("ringtone unavailable")
	srv := NewServer(eng, Options{}, slog.Default())

	var resp pushResponse
	code, _ := doRequest(t, srv, http.MethodPost, "/v1/push", `{"type":"call","callId":"c1"}`, nil, &resp)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if resp.Warning == "" {
		t.Error("expected a warning")
	}
}

func TestPushRateLimited(t *testing.T) {
	eng := newFakeEngine(t)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Rate:            0.001,
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}, slog.Default())
	t.Cleanup(limiter.Stop)
	srv := NewServer(eng, Options{PushLimiter: limiter}, slog.Default())

	hdr := http.Header{PushSenderHeader: {"relay-a"}}
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/push", `{"type":"message"}`, hdr, nil); code != http.StatusAccepted {
		t.Fatalf("first push: expected 202, got %d", code)
	}
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/push", `{"type":"message"}`, hdr, nil); code != http.StatusTooManyRequests {
		t.Fatalf("second push: expected 429, got %d", code)
	}

	other := http.Header{PushSenderHeader: {"relay-b"}}
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/push", `{"type":"message"}`, other, nil); code != http.StatusAccepted {
		t.Errorf("other sender: expected 202, got %d", code)
	}
}

func TestSurfaceAuth(t *testing.T) {
	eng := newFakeEngine(t)
	secret := []byte("0123456789abcdef0123456789abcdef")
	eng.captureRet = true
	srv := NewServer(eng, Options{SurfaceSecret: secret}, slog.Default())

	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/alerts", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := doRequest(t, srv, http.MethodGet, "/healthz", "", nil, nil); code != http.StatusOK {
		t.Fatalf("expected healthz to skip auth, got %d", code)
	}

	tok, err := middleware.GenerateSurfaceToken(secret, string(action.SourceFullScreen), time.Hour)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	hdr := http.Header{"Authorization": {"Bearer " + tok}}

	// Source falls back to the authenticated surface.
	var resp callActionResponse
	code, msg := doRequest(t, srv, http.MethodPost, "/v1/calls/c1/action", `{"decision":"accept"}`, hdr, &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %q", code, msg)
	}
	if !resp.Published {
		t.Error("expected published=true")
	}
	if len(eng.captures) != 1 || eng.captures[0].source != action.SourceFullScreen {
		t.Errorf("unexpected captures %+v", eng.captures)
	}

	// Naming its own surface is fine.
	body := `{"decision":"decline","source":"full_screen_ui"}`
	if code, msg := doRequest(t, srv, http.MethodPost, "/v1/calls/c2/action", body, hdr, nil); code != http.StatusOK {
		t.Fatalf("expected 200 for matching source, got %d %q", code, msg)
	}

	// A surface cannot claim another source.
	notifTok, err := middleware.GenerateSurfaceToken(secret, string(action.SourceNotification), time.Hour)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	notifHdr := http.Header{"Authorization": {"Bearer " + notifTok}}
	for _, src := range []string{"full_screen_ui", "timeout", "in_app_ui"} {
		body := `{"decision":"accept","source":"` + src + `"}`
		if code, _ := doRequest(t, srv, http.MethodPost, "/v1/calls/c3/action", body, notifHdr, nil); code != http.StatusForbidden {
			t.Errorf("source %s with notification token: expected 403, got %d", src, code)
		}
	}
	if len(eng.captures) != 2 {
		t.Errorf("expected 2 captures, got %d", len(eng.captures))
	}
}

func TestCallAction(t *testing.T) {
	eng := newFakeEngine(t)
	srv := NewServer(eng, Options{}, slog.Default())

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"accept", `{"decision":"ACCEPT","source":"notification_action"}`, http.StatusOK},
		{"decline", `{"decision":"decline","source":"in_app_ui"}`, http.StatusOK},
		{"unknown decision", `{"decision":"maybe","source":"in_app_ui"}`, http.StatusBadRequest},
		{"missing source", `{"decision":"accept"}`, http.StatusBadRequest},
		{"unknown source", `{"decision":"accept","source":"watch"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := doRequest(t, srv, http.MethodPost, "/v1/calls/c9/action", tt.body, nil, nil)
			if code != tt.wantCode {
				t.Errorf("expected %d, got %d %q", tt.wantCode, code, msg)
			}
		})
	}

	if len(eng.captures) != 2 {
		t.Fatalf("expected 2 captures, got %d", len(eng.captures))
	}
	if eng.captures[0].decision != action.Accept {
		t.Errorf("expected decision to be normalized, got %q", eng.captures[0].decision)
	}

	// A lost race is still a 200.
	var resp callActionResponse
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/calls/c9/action", `{"decision":"accept","source":"in_app_ui"}`, nil, &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Published {
		t.Error("expected published=false")
	}
}

func TestGetAndEndCall(t *testing.T) {
	eng := newFakeEngine(t)
	connected := time.Now().Add(-75 * time.Second)
	eng.sessions["live"] = session.CallSession{
		CallID:      "live",
		Caller:      push.CallIdentity{CallID: "live", CallerName: "Alice"},
		State:       session.StateConnected,
		ConnectedAt: &connected,
		Duration:    75 * time.Second,
	}
	eng.sessions["ringing"] = session.CallSession{CallID: "ringing", State: session.StateRinging}
	srv := NewServer(eng, Options{}, slog.Default())

	var got callResponse
	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/calls/live", "", nil, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.DurationText != "01:15" || got.DurationSec != 75 {
		t.Errorf("unexpected duration fields %q %d", got.DurationText, got.DurationSec)
	}

	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/calls/nope", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/calls/nope/end", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 ending unknown call, got %d", code)
	}
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/calls/ringing/end", "", nil, nil); code != http.StatusConflict {
		t.Errorf("expected 409 ending ringing call, got %d", code)
	}

	var ended callResponse
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/calls/live/end", "", nil, &ended); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if ended.State != session.StateEnded || ended.EndReason != session.EndReasonCompleted {
		t.Errorf("unexpected ended session %+v", ended.CallSession)
	}
}

func TestListSessions(t *testing.T) {
	eng := newFakeEngine(t)
	eng.sessions["a"] = session.CallSession{CallID: "a", State: session.StateRinging}
	srv := NewServer(eng, Options{}, slog.Default())

	var got []callResponse
	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/sessions", "", nil, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(got) != 1 || got[0].StatusText == "" {
		t.Errorf("unexpected sessions %+v", got)
	}
}

func TestListHistory(t *testing.T) {
	eng := newFakeEngine(t)
	eng.history = []models.CallRecord{{
		CallID:      "c1",
		CallerName:  "Alice",
		EndReason:   session.EndReasonCompleted,
		DurationSec: 62,
	}}
	srv := NewServer(eng, Options{}, slog.Default())

	var page struct {
		Items []historyItem `json:"items"`
		Total int           `json:"total"`
		Limit int           `json:"limit"`
	}
	code, _ := doRequest(t, srv, http.MethodGet, "/v1/calls?limit=10&search=ali&end_reason=completed", "", nil, &page)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if page.Total != 1 || page.Limit != 10 || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].DurationText != "01:02" {
		t.Errorf("expected 01:02, got %q", page.Items[0].DurationText)
	}
	if eng.filter.Search != "ali" || eng.filter.EndReason != "completed" || eng.filter.Limit != 10 {
		t.Errorf("filter not passed through: %+v", eng.filter)
	}

	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/calls?end_reason=cancelled", "", nil, nil); code != http.StatusOK {
		t.Errorf("expected 200 for cancelled filter, got %d", code)
	}
	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/calls?end_reason=missed", "", nil, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown end_reason, got %d", code)
	}
}

func TestToken(t *testing.T) {
	eng := newFakeEngine(t)
	srv := NewServer(eng, Options{}, slog.Default())

	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/token", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 before any token, got %d", code)
	}
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/token", `{"token":"tok-1"}`, nil, nil); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	var got tokenResponse
	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/token", "", nil, &got); code != http.StatusOK || got.Token != "tok-1" {
		t.Errorf("expected tok-1, got %d %+v", code, got)
	}

	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/token", `{"token":""}`, nil, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty token, got %d", code)
	}

	eng.tokenErr = errors.New("disk full")
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/token", `{"token":"tok-2"}`, nil, nil); code != http.StatusInternalServerError {
		t.Errorf("expected 500 when persisting fails, got %d", code)
	}
}

func TestNotificationOpened(t *testing.T) {
	eng := newFakeEngine(t)
	srv := NewServer(eng, Options{}, slog.Default())

	code, _ := doRequest(t, srv, http.MethodPost, "/v1/notifications/opened", `{"data":{"type":"message","threadId":"t1"}}`, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(eng.opened) != 1 || eng.opened[0]["threadId"] != "t1" {
		t.Errorf("unexpected opened payloads %+v", eng.opened)
	}
}

func TestAppAttachDetach(t *testing.T) {
	eng := newFakeEngine(t)
	eng.alerts = []push.CallIdentity{{CallID: "c1"}}
	srv := NewServer(eng, Options{}, slog.Default())

	var st appStateResponse
	if code, _ := doRequest(t, srv, http.MethodPost, "/v1/app/attach", "", nil, &st); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !st.Attached || st.Resynced != 1 {
		t.Errorf("unexpected attach response %+v", st)
	}

	doRequest(t, srv, http.MethodGet, "/v1/app", "", nil, &st)
	if !st.Attached {
		t.Error("expected attached")
	}

	doRequest(t, srv, http.MethodPost, "/v1/app/detach", "", nil, &st)
	if st.Attached || eng.Attached() {
		t.Error("expected detached")
	}
}

func TestListAlerts(t *testing.T) {
	eng := newFakeEngine(t)
	eng.alerts = []push.CallIdentity{{CallID: "c1", CallerName: "Alice"}}
	srv := NewServer(eng, Options{}, slog.Default())

	var got []push.CallIdentity
	if code, _ := doRequest(t, srv, http.MethodGet, "/v1/alerts", "", nil, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(got) != 1 || got[0].CallerName != "Alice" {
		t.Errorf("unexpected alerts %+v", got)
	}
}

func TestParseKinds(t *testing.T) {
	kinds, msg := parseKinds("")
	if msg != "" || len(kinds) != len(bus.Kinds) {
		t.Errorf("empty selection should select all kinds, got %v %q", kinds, msg)
	}

	kinds, msg = parseKinds("callAction, tokenRefresh,callAction")
	if msg != "" || len(kinds) != 2 {
		t.Errorf("expected 2 distinct kinds, got %v %q", kinds, msg)
	}

	if _, msg := parseKinds("bogus"); msg == "" {
		t.Error("expected unknown kind to be rejected")
	}
}

func TestEventsStream(t *testing.T) {
	eng := newFakeEngine(t)
	ts := httptest.NewServer(NewServer(eng, Options{}, slog.Default()))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?kinds=callAction", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !eng.bus.HasSubscribers(bus.KindCallAction) {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	eng.bus.Publish(bus.Event{
		Kind:    bus.KindCallAction,
		Payload: action.CallAction{CallID: "c1", Decision: action.Accept, Source: action.SourceInApp},
		At:      time.Now(),
	})

	rd := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	if eventLine != string(bus.KindCallAction) {
		t.Errorf("expected event callAction, got %q", eventLine)
	}
	var ev struct {
		Kind    bus.Kind          `json:"kind"`
		Payload action.CallAction `json:"payload"`
	}
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decoding data line: %v", err)
	}
	if ev.Payload.CallID != "c1" || ev.Payload.Decision != action.Accept {
		t.Errorf("unexpected payload %+v", ev.Payload)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for eng.bus.HasSubscribers(bus.KindCallAction) {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
