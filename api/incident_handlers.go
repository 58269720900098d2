package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"kestrel-alert/core/store"
)

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IncidentFilter{
		Fingerprint: strings.TrimSpace(q.Get("fingerprint")),
		Limit:       parseIntParam(q.Get("limit"), 50),
		Offset:      parseIntParam(q.Get("offset"), 0),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.StatusIn = append(filter.StatusIn, st)
			}
		}
	}
	incidents, err := s.deps.Incidents.ListIncidents(r.Context(), filter)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("api: list incidents: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if incidents == nil {
		incidents = []store.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": incidents})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inc, err := s.deps.Incidents.GetIncident(r.Context(), id)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("api: get incident %d: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "acknowledge", s.deps.Escalation.Acknowledge)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "resolve", s.deps.Escalation.Resolve)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "close", s.deps.Escalation.Close)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, name string, transition func(context.Context, int64) (*store.Incident, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inc, err := transition(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "incident not found")
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "invalid state for "+name)
		default:
			if s.logger != nil {
				s.logger.Errorf("api: %s incident %d: %v", name, id, err)
			}
			writeError(w, http.StatusInternalServerError, "server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleListIncidentAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	alerts, err := s.deps.Incidents.ListIncidentAlerts(r.Context(), id)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("api: list alerts for incident %d: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if alerts == nil {
		alerts = []store.IncidentAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": alerts})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logs, err := s.deps.Notifications.ListForIncident(r.Context(), id)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("api: list notifications for incident %d: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if logs == nil {
		logs = []store.NotificationLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

// handleDeliveredCallback is the provider delivery receipt hook.
func (s *Server) handleDeliveredCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	log, err := s.deps.Notifications.GetLog(r.Context(), id)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("api: load notification %d: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if log == nil {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err := s.deps.Tracker.TrackDelivered(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "notification not in a deliverable state")
			return
		}
		if s.logger != nil {
			s.logger.Errorf("api: mark notification %d delivered: %v", id, err)
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.NotificationDelivered})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
