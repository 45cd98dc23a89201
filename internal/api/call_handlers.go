package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/api/middleware"
	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/models"
	"github.com/flowpbx/callnotify/internal/session"
)

// callActionRequest is the JSON request body for POST /v1/calls/{callID}/action.
type callActionRequest struct {
	Decision action.Decision `json:"decision"`
	// Source is required without auth; with auth it must be empty or match
	// the authenticated surface.
	Source action.Source `json:"source"`
}

// callActionResponse reports whether this capture was the one that settled
// the call.
type callActionResponse struct {
	CallID    string `json:"call_id"`
	Published bool   `json:"published"`
}

// callResponse is a session snapshot with display fields.
type callResponse struct {
	session.CallSession
	DurationSec  int    `json:"duration_sec"`
	DurationText string `json:"duration_text"`
	StatusText   string `json:"status_text"`
}

func toCallResponse(cs session.CallSession) callResponse {
	return callResponse{
		CallSession:  cs,
		DurationSec:  int(cs.Duration / time.Second),
		DurationText: session.FormatDuration(cs.Duration),
		StatusText:   session.StatusText(cs),
	}
}

// historyItem is an archived call in list responses.
type historyItem struct {
	CallID       string     `json:"call_id"`
	CallerName   string     `json:"caller_name"`
	CallerID     string     `json:"caller_id"`
	StartedAt    time.Time  `json:"started_at"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	EndedAt      time.Time  `json:"ended_at"`
	EndReason    string     `json:"end_reason"`
	DurationSec  int        `json:"duration_sec"`
	DurationText string     `json:"duration_text"`
}

func toHistoryItem(rec models.CallRecord) historyItem {
	return historyItem{
		CallID:       rec.CallID,
		CallerName:   rec.CallerName,
		CallerID:     rec.CallerID,
		StartedAt:    rec.StartedAt,
		ConnectedAt:  rec.ConnectedAt,
		EndedAt:      rec.EndedAt,
		EndReason:    rec.EndReason,
		DurationSec:  rec.DurationSec,
		DurationText: session.FormatDuration(time.Duration(rec.DurationSec) * time.Second),
	}
}

// callIDParam extracts and validates the {callID} path parameter.
func callIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	callID := chi.URLParam(r, "callID")
	if errMsg := validateCallID(callID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return "", false
	}
	return callID, true
}

// handleCallAction handles POST /v1/calls/{callID}/action. Losing a race
// to another surface is not an error: the response says published=false.
func (s *Server) handleCallAction(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDParam(w, r)
	if !ok {
		return
	}

	var req callActionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Decision = action.Decision(strings.ToLower(string(req.Decision)))
	// An authenticated surface can only speak for itself.
	if surface := action.Source(middleware.SurfaceFromContext(r.Context())); surface != "" {
		if req.Source != "" && req.Source != surface {
			writeError(w, http.StatusForbidden, "source does not match the authenticated surface")
			return
		}
		req.Source = surface
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be one of accept, decline")
		return
	}
	if !req.Source.Valid() {
		writeError(w, http.StatusBadRequest, "source must be one of in_app_ui, full_screen_ui, notification_action, timeout")
		return
	}

	published, err := s.engine.Capture(r.Context(), callID, req.Decision, req.Source)
	if errors.Is(err, action.ErrInvalidCapture) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("call action: capture failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, callActionResponse{CallID: callID, Published: published})
}

// handleEndCall handles POST /v1/calls/{callID}/end.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDParam(w, r)
	if !ok {
		return
	}

	if !s.engine.EndCall(callID) {
		if _, known := s.engine.Session(callID); !known {
			writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
			return
		}
		writeError(w, http.StatusConflict, "call is not connected")
		return
	}

	cs, _ := s.engine.Session(callID)
	writeJSON(w, http.StatusOK, toCallResponse(cs))
}

// handleGetCall handles GET /v1/calls/{callID}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDParam(w, r)
	if !ok {
		return
	}

	cs, found := s.engine.Session(callID)
	if !found {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(cs))
}

// handleListSessions handles GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := s.engine.Sessions()
	out := make([]callResponse, 0, len(live))
	for _, cs := range live {
		out = append(out, toCallResponse(cs))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListHistory handles GET /v1/calls, the archive of ended calls.
// Supports ?limit, ?offset, ?search (caller name or id) and ?end_reason.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.CallRecordListFilter{
		Limit:     page.Limit,
		Offset:    page.Offset,
		Search:    strings.TrimSpace(q.Get("search")),
		EndReason: q.Get("end_reason"),
	}
	if errMsg := validateStringLen("search", filter.Search, maxSearchLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	switch filter.EndReason {
	case "", session.EndReasonDeclined, session.EndReasonTimeout, session.EndReasonCompleted, session.EndReasonCancelled:
	default:
		writeError(w, http.StatusBadRequest, "end_reason must be one of declined, timeout, completed, cancelled")
		return
	}

	recs, total, err := s.engine.History(r.Context(), filter)
	if err != nil {
		s.logger.Error("list history: query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]historyItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toHistoryItem(rec))
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// handleListAlerts handles GET /v1/alerts.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Alerts())
}

// appStateResponse is the JSON response for the /v1/app endpoints.
type appStateResponse struct {
	Attached bool `json:"attached"`
	Resynced int  `json:"resynced,omitempty"`
}

// handleAppState handles GET /v1/app.
func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, appStateResponse{Attached: s.engine.Attached()})
}

// handleAttach handles POST /v1/app/attach, called when the application
// layer comes up.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	n := s.engine.AttachApp()
	writeJSON(w, http.StatusOK, appStateResponse{Attached: true, Resynced: n})
}

// handleDetach handles POST /v1/app/detach.
func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	s.engine.DetachApp()
	writeJSON(w, http.StatusOK, appStateResponse{Attached: false})
}
