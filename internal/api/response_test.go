package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"call_id": "c1"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", w.Body.String())
	}

	var env struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Data["call_id"] != "c1" {
		t.Errorf("expected call_id=c1, got %v", env.Data)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusConflict, "call is not connected")

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "call is not connected" {
		t.Errorf("unexpected error %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("expected nil data, got %v", env.Data)
	}
}

func TestReadJSON(t *testing.T) {
	type target struct {
		Decision string `json:"decision"`
		Count    int    `json:"count"`
	}

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"valid", `{"decision":"accept","count":2}`, ""},
		{"empty", ``, "request body must not be empty"},
		{"malformed", `{"decision":`, "malformed json"},
		{"unknown field", `{"decision":"accept","extra":1}`, `unknown field "extra"`},
		{"wrong type", `{"count":"two"}`, "invalid value for field count"},
		{"two objects", `{"count":1}{"count":2}`, "request body must contain a single json object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst target
			if got := readJSON(r, &dst); got != tt.wantMsg {
				t.Errorf("readJSON() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantMsg    string
	}{
		{"", defaultPageLimit, 0, ""},
		{"?limit=20&offset=40", 20, 40, ""},
		{"?limit=5000", maxPageLimit, 0, ""},
		{"?limit=0", 0, 0, "limit must be a positive integer"},
		{"?limit=abc", 0, 0, "limit must be a positive integer"},
		{"?offset=-1", 0, 0, "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/calls"+tt.query, nil)
			p, msg := parsePagination(r)
			if msg != tt.wantMsg {
				t.Fatalf("message = %q, want %q", msg, tt.wantMsg)
			}
			if msg != "" {
				return
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestValidateCallID(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"call-1", true},
		{"", false},
		{" padded", false},
		{"bad\x01id", false},
		{strings.Repeat("x", maxCallIDLen+1), false},
	}
	for _, tt := range tests {
		if got := validateCallID(tt.in) == ""; got != tt.ok {
			t.Errorf("validateCallID(%q) ok = %v, want %v", tt.in, got, tt.ok)
		}
	}
}

func TestValidateToken(t *testing.T) {
	if msg := validateToken("fcm:APA91bH"); msg != "" {
		t.Errorf("expected valid token, got %q", msg)
	}
	if msg := validateToken("has space"); msg == "" {
		t.Error("expected whitespace to be rejected")
	}
	if msg := validateToken(""); msg != "token is required" {
		t.Errorf("unexpected message %q", msg)
	}
}
