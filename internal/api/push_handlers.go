package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/flowpbx/callnotify/internal/alert"
	"github.com/flowpbx/callnotify/internal/push"
)

// pushResponse is the JSON response for POST /v1/push.
type pushResponse struct {
	Outcome alert.Outcome `json:"outcome"`
	// Warning is set when part of the presentation failed; the push was
	// still handled as Outcome describes.
	Warning string `json:"warning,omitempty"`
}

// handlePush handles POST /v1/push. The body is a raw push as delivered by
// the push channel, either FCM-shaped or a flat data object. Decoding is
// lenient: anything unparseable is presented as a default notification.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "push body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must not be empty")
		return
	}

	outcome, err := s.engine.HandlePush(r.Context(), push.DecodeJSON(body))
	resp := pushResponse{Outcome: outcome}
	if err != nil {
		s.logger.Warn("push presented with errors", "outcome", outcome, "error", err)
		resp.Warning = "alert presented partially"
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// tokenRequest is the JSON request body for POST /v1/token.
type tokenRequest struct {
	Token string `json:"token"`
}

// tokenResponse is the JSON response for GET /v1/token.
type tokenResponse struct {
	Token string `json:"token"`
}

// handleTokenRefresh handles POST /v1/token, reported by the push channel
// whenever the device token rotates.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateToken(req.Token); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.engine.TokenRefresh(r.Context(), req.Token); err != nil {
		s.logger.Error("token refresh: failed to persist token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: req.Token})
}

// handleGetToken handles GET /v1/token.
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.engine.CurrentToken(r.Context())
	if err != nil {
		s.logger.Error("get token: failed to read token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tok == "" {
		writeError(w, http.StatusNotFound, "no push token known")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok})
}

// notificationOpenedRequest is the JSON request body for
// POST /v1/notifications/opened.
type notificationOpenedRequest struct {
	Data map[string]string `json:"data"`
}

// handleNotificationOpened handles POST /v1/notifications/opened, reported
// when the user taps a posted notification.
func (s *Server) handleNotificationOpened(w http.ResponseWriter, r *http.Request) {
	var req notificationOpenedRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	for k, v := range req.Data {
		if errMsg := validateNoControlChars("data."+k, v); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	delivered := s.engine.NotificationOpened(r.Context(), req.Data)
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}
