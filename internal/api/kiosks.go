package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"kioskwatch/internal/session"
	"kioskwatch/pkg/types"
)

// Request/Response types for JSON serialization
type OpenSessionRequest struct {
	AccountID string `json:"accountId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

type EndSessionRequest struct {
	Reason types.DisconnectReason `json:"reason"`
}

type ListSessionsResponse struct {
	Sessions interface{} `json:"sessions"`
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionAlreadyEnded):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidAccountID),
		errors.Is(err, session.ErrInvalidKioskID),
		errors.Is(err, session.ErrInvalidEmail),
		errors.Is(err, session.ErrInvalidReason),
		errors.Is(err, session.ErrInvalidUserName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendSessionError(w http.ResponseWriter, err error, fallback string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(fallback, zap.Error(err))
		s.sendError(w, fallback, code)
		return
	}
	s.sendError(w, err.Error(), code)
}

// FUNCTIONAL DISCOVERY: POST /api/kiosks/sessions - open (or reopen) the account's kiosk session
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.OpenSession(r.Context(), req.AccountID, req.UserName, req.UserEmail)
	if err != nil {
		s.sendSessionError(w, err, "Failed to open session")
		return
	}

	s.writeJSON(w, http.StatusCreated, s.evaluator.View(sess))
}

// FUNCTIONAL DISCOVERY: GET /api/kiosks/sessions - active sessions, optionally one owner's
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListActiveSessions(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		s.sendSessionError(w, err, "Failed to list sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: s.evaluator.Views(sessions)})
}

// FUNCTIONAL DISCOVERY: GET /api/kiosks/{kioskId} - one session with display fields
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), mux.Vars(r)["kioskId"])
	if err != nil {
		s.sendSessionError(w, err, "Failed to get session")
		return
	}
	s.writeJSON(w, http.StatusOK, s.evaluator.View(sess))
}

// FUNCTIONAL DISCOVERY: POST /api/kiosks/{kioskId}/heartbeat - liveness ping, rate limited per kiosk
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	kioskID := mux.Vars(r)["kioskId"]
	if !s.limiter.Allow(kioskID) {
		s.metrics.RateLimit()
		w.Header().Set("Retry-After", "1")
		s.sendError(w, "Too many heartbeats", http.StatusTooManyRequests)
		return
	}

	if err := s.sessions.Heartbeat(r.Context(), kioskID); err != nil {
		s.sendSessionError(w, err, "Failed to record heartbeat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FUNCTIONAL DISCOVERY: POST /api/kiosks/{kioskId}/end - end the session; reason defaults to user-logout
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = types.ReasonUserLogout
	}

	if err := s.sessions.EndSession(r.Context(), mux.Vars(r)["kioskId"], req.Reason); err != nil {
		s.sendSessionError(w, err, "Failed to end session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Session ended successfully"})
}
