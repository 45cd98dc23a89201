// Package client talks to a running callnotify daemon over its HTTP surface.
// Out-of-process capture surfaces (the full-screen view, notification action
// handlers) use it to report decisions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/session"
)

// maxResponseBody bounds how much of a response is read.
const maxResponseBody = 1 << 20

// envelope is the daemon's response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("callnotify returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("callnotify returned status %d", e.StatusCode)
}

// CallStatus is a session snapshot as served by GET /v1/calls/{callID}.
type CallStatus struct {
	session.CallSession
	DurationSec  int    `json:"duration_sec"`
	DurationText string `json:"duration_text"`
	StatusText   string `json:"status_text"`
}

// AppState reports whether the application layer is attached.
type AppState struct {
	Attached bool `json:"attached"`
	Resynced int  `json:"resynced,omitempty"`
}

// Client is an HTTP client for one daemon.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	sender     string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSender sets the X-Push-Sender header sent with pushes.
func WithSender(sender string) Option {
	return func(c *Client) { c.sender = sender }
}

// New creates a client for the daemon at baseURL (e.g.
// "http://127.0.0.1:8090"). token is the surface bearer token and may be
// empty when the daemon runs without surface auth.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture reports a decision for callID. It returns true when this capture
// settled the call and false when another surface got there first.
func (c *Client) Capture(ctx context.Context, callID string, d action.Decision, src action.Source) (bool, error) {
	req := struct {
		Decision action.Decision `json:"decision"`
		Source   action.Source   `json:"source,omitempty"`
	}{d, src}

	var resp struct {
		Published bool `json:"published"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/action", req, &resp); err != nil {
		return false, fmt.Errorf("capture %s: %w", callID, err)
	}

	slog.Debug("capture reported", "call_id", callID, "decision", d, "source", src, "published", resp.Published)
	return resp.Published, nil
}

// EndCall ends a connected call.
func (c *Client) EndCall(ctx context.Context, callID string) (*CallStatus, error) {
	var cs CallStatus
	if err := c.do(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(callID)+"/end", nil, &cs); err != nil {
		return nil, fmt.Errorf("ending call %s: %w", callID, err)
	}
	return &cs, nil
}

// Call fetches a session snapshot. Returns nil, nil if the daemon knows no
// such call.
func (c *Client) Call(ctx context.Context, callID string) (*CallStatus, error) {
	var cs CallStatus
	err := c.do(ctx, http.MethodGet, "/v1/calls/"+url.PathEscape(callID), nil, &cs)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting call %s: %w", callID, err)
	}
	return &cs, nil
}

// Push delivers a raw push payload to the daemon and returns the outcome it
// reported.
func (c *Client) Push(ctx context.Context, payload json.RawMessage) (string, error) {
	var resp struct {
		Outcome string `json:"outcome"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/push", payload, &resp); err != nil {
		return "", fmt.Errorf("delivering push: %w", err)
	}
	return resp.Outcome, nil
}

// RefreshToken reports a rotated push token.
func (c *Client) RefreshToken(ctx context.Context, token string) error {
	req := struct {
		Token string `json:"token"`
	}{token}
	if err := c.do(ctx, http.MethodPost, "/v1/token", req, nil); err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}
	return nil
}

// Attach marks the application layer as up.
func (c *Client) Attach(ctx context.Context) (AppState, error) {
	var st AppState
	if err := c.do(ctx, http.MethodPost, "/v1/app/attach", nil, &st); err != nil {
		return st, fmt.Errorf("attaching app: %w", err)
	}
	return st, nil
}

// Detach marks the application layer as gone.
func (c *Client) Detach(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/v1/app/detach", nil, nil); err != nil {
		return fmt.Errorf("detaching app: %w", err)
	}
	return nil
}

// do sends body as JSON and decodes the envelope data into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sender != "" {
		req.Header.Set("X-Push-Sender", c.sender)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding response: %w", decodeErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
