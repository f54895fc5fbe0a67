package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kioskwatch/internal/reconcile"
	"kioskwatch/pkg/types"
)

// CleanupRequest is the optional body of POST /cleanup.
type CleanupRequest struct {
	StaleMinutes *float64 `json:"staleMinutes"`
	PurgeDays    *float64 `json:"purgeDays"`
}

type CleanupResponse struct {
	Success   bool                 `json:"success"`
	Results   *types.CleanupResult `json:"results,omitempty"`
	Timestamp *time.Time           `json:"timestamp,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type StatsResponse struct {
	Success bool                `json:"success"`
	Stats   *types.SessionStats `json:"stats,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// FUNCTIONAL DISCOVERY: POST /cleanup - run disconnect then purge on demand.
// An empty body uses the default thresholds.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, CleanupResponse{Error: "Method not allowed"})
		return
	}

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, CleanupResponse{Error: "Invalid JSON body"})
		return
	}

	var params reconcile.ManualParams
	if req.StaleMinutes != nil {
		params.StaleMinutes = *req.StaleMinutes
	}
	if req.PurgeDays != nil {
		params.PurgeDays = *req.PurgeDays
	}
	if _, err := params.Normalize(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, CleanupResponse{Error: err.Error()})
		return
	}

	result, err := s.reconciler.RunManual(r.Context(), params)
	if err != nil {
		s.logger.Error("manual cleanup failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, CleanupResponse{
			Results: &result,
			Error:   err.Error(),
		})
		return
	}

	now := s.clock.Now()
	s.writeJSON(w, http.StatusOK, CleanupResponse{
		Success:   true,
		Results:   &result,
		Timestamp: &now,
	})
}

// FUNCTIONAL DISCOVERY: GET /stats - point-in-time session counts
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, StatsResponse{Error: "Method not allowed"})
		return
	}

	stats, err := s.reconciler.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, StatsResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{Success: true, Stats: &stats})
}
