// Package dedup maps inbound alerts onto new or existing incidents. Two
// alerts with the same fingerprint inside the dedup window share one
// incident; the decision is made atomically in the store so concurrent
// duplicates can never create two incidents.
package dedup

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"kestrel-alert/core/metrics"
	"kestrel-alert/core/routing"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

// EscalationStarter begins paging for a freshly created incident.
type EscalationStarter interface {
	StartEscalation(ctx context.Context, incidentID int64) error
}

type Alert struct {
	AlertID     string
	Fingerprint string
	Title       string
	Priority    string
	TeamID      int64
	PolicyID    int64
	PayloadJSON string
}

type Result struct {
	Incident    *store.Incident
	IsDuplicate bool
}

type Engine struct {
	incidents  store.IncidentsStore
	policies   store.PoliciesStore
	resolver   routing.Resolver
	escalation EscalationStarter
	audits     store.AuditStore
	collector  *metrics.Collector
	logger     *utils.Logger
}

func NewEngine(incidents store.IncidentsStore, policies store.PoliciesStore, resolver routing.Resolver, escalation EscalationStarter, audits store.AuditStore, collector *metrics.Collector, logger *utils.Logger) *Engine {
	return &Engine{
		incidents:  incidents,
		policies:   policies,
		resolver:   resolver,
		escalation: escalation,
		audits:     audits,
		collector:  collector,
		logger:     logger,
	}
}

// Process runs the find-or-create for one alert. Safe to call again with
// the same alert id: the replay attaches to the same incident without
// bumping alert_count.
func (e *Engine) Process(ctx context.Context, alert Alert, windowMinutes int) (*Result, error) {
	if strings.TrimSpace(alert.Fingerprint) == "" {
		return nil, errors.New("fingerprint is empty")
	}
	if windowMinutes <= 0 {
		return nil, errors.New("dedup window must be positive")
	}
	fresh := &store.Incident{
		Fingerprint: strings.TrimSpace(alert.Fingerprint),
		Title:       strings.TrimSpace(alert.Title),
		Status:      store.IncidentOpen,
		Priority:    normalizePriority(alert.Priority),
		TeamID:      alert.TeamID,
		PolicyID:    alert.PolicyID,
	}
	// Routing is resolved before the dedup transaction so no external
	// lookup happens while the fingerprint row is locked. The result is
	// discarded on the duplicate branch.
	if assignee := e.resolveInitialAssignee(ctx, alert); assignee > 0 {
		fresh.AssignedUserID = &assignee
	}
	record := &store.IncidentAlert{
		AlertID:     strings.TrimSpace(alert.AlertID),
		PayloadJSON: alert.PayloadJSON,
	}
	incident, isDuplicate, err := e.incidents.DeduplicateIncident(ctx, record, fresh, windowMinutes)
	if err != nil {
		return nil, err
	}
	e.collector.RecordAlert(isDuplicate)
	if isDuplicate {
		e.audit(ctx, "incident.alert_attached", store.SeverityInfo, incident.ID, map[string]any{
			"alert_id":    record.AlertID,
			"alert_count": incident.AlertCount,
		})
		return &Result{Incident: incident, IsDuplicate: true}, nil
	}
	e.audit(ctx, "incident.created", store.SeverityInfo, incident.ID, map[string]any{
		"alert_id":    record.AlertID,
		"fingerprint": incident.Fingerprint,
		"priority":    incident.Priority,
	})
	if e.escalation != nil {
		if err := e.escalation.StartEscalation(ctx, incident.ID); err != nil && e.logger != nil {
			// The incident exists either way; the reconciler picks up
			// open incidents that never got a timer.
			e.logger.Errorf("dedup: start escalation for incident %d: %v", incident.ID, err)
		}
	}
	return &Result{Incident: incident, IsDuplicate: false}, nil
}

func (e *Engine) resolveInitialAssignee(ctx context.Context, alert Alert) int64 {
	if e.resolver == nil || e.policies == nil || alert.PolicyID == 0 {
		return 0
	}
	_, levels, err := e.policies.GetPolicy(ctx, alert.PolicyID)
	if err != nil || len(levels) == 0 {
		if err != nil && e.logger != nil {
			e.logger.Errorf("dedup: load policy %d: %v", alert.PolicyID, err)
		}
		return 0
	}
	userID, err := e.resolver.ResolveEscalationTarget(ctx, levels[0], alert.TeamID)
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("dedup: resolve initial target: %v", err)
		}
		return 0
	}
	return userID
}

func (e *Engine) audit(ctx context.Context, action, severity string, incidentID int64, meta map[string]any) {
	if e.audits == nil {
		return
	}
	err := e.audits.Log(ctx, store.AuditEntry{
		Action:       action,
		Severity:     severity,
		ResourceType: "incident",
		ResourceID:   strconv.FormatInt(incidentID, 10),
		Metadata:     meta,
	})
	if err != nil && e.logger != nil {
		e.logger.Errorf("dedup: audit %s: %v", action, err)
	}
}

func normalizePriority(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case store.PriorityCritical:
		return store.PriorityCritical
	case store.PriorityHigh, "":
		return store.PriorityHigh
	case store.PriorityMedium:
		return store.PriorityMedium
	case store.PriorityLow:
		return store.PriorityLow
	default:
		return store.PriorityHigh
	}
}
