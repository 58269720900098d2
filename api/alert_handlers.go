package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"kestrel-alert/core/dedup"
)

type ingestAlertRequest struct {
	AlertID     string          `json:"alert_id"`
	Fingerprint string          `json:"fingerprint"`
	Title       string          `json:"title"`
	Priority    string          `json:"priority"`
	TeamID      int64           `json:"team_id"`
	PolicyID    int64           `json:"policy_id"`
	Payload     json.RawMessage `json:"payload"`
}

const ingestMaxBytes = 256 * 1024

func (s *Server) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var req ingestAlertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, ingestMaxBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.AlertID) == "" || strings.TrimSpace(req.Fingerprint) == "" {
		writeError(w, http.StatusBadRequest, "alert_id and fingerprint are required")
		return
	}
	result, err := s.deps.Dedup.Process(r.Context(), dedup.Alert{
		AlertID:     req.AlertID,
		Fingerprint: req.Fingerprint,
		Title:       req.Title,
		Priority:    req.Priority,
		TeamID:      req.TeamID,
		PolicyID:    req.PolicyID,
		PayloadJSON: string(req.Payload),
	}, s.cfg.EffectiveDedupWindow())
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("api: ingest alert %s: %v", req.AlertID, err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	status := http.StatusCreated
	if result.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"incident":  result.Incident,
		"duplicate": result.IsDuplicate,
	})
}
