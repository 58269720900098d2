// Package escalation drives level-by-level re-paging of open incidents
// until somebody acknowledges. Timers live in the external job scheduler;
// every firing re-enters the engine, which treats stale or duplicate
// firings as silent no-ops instead of taking distributed locks.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"kestrel-alert/core/metrics"
	"kestrel-alert/core/queue"
	"kestrel-alert/core/routing"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

// Scheduler is the slice of the external job scheduler this engine uses.
type Scheduler interface {
	ScheduleEscalation(ctx context.Context, incidentID int64, toLevel, repeatNumber int, delay time.Duration) (string, error)
	CancelEscalation(ctx context.Context, jobID string) error
}

// Notifier pages a user about an incident. Calls from this engine are
// best effort: a failure is logged and never aborts the escalation.
type Notifier interface {
	NotifyAssignee(ctx context.Context, incidentID, userID int64, kind string) error
}

type Engine struct {
	incidents store.IncidentsStore
	policies  store.PoliciesStore
	jobs      store.EscalationJobsStore
	scheduler Scheduler
	resolver  routing.Resolver
	notifier  Notifier
	audits    store.AuditStore
	collector *metrics.Collector
	logger    *utils.Logger
}

func NewEngine(incidents store.IncidentsStore, policies store.PoliciesStore, jobs store.EscalationJobsStore, scheduler Scheduler, resolver routing.Resolver, notifier Notifier, audits store.AuditStore, collector *metrics.Collector, logger *utils.Logger) *Engine {
	return &Engine{
		incidents: incidents,
		policies:  policies,
		jobs:      jobs,
		scheduler: scheduler,
		resolver:  resolver,
		notifier:  notifier,
		audits:    audits,
		collector: collector,
		logger:    logger,
	}
}

// StartEscalation arms the first timer for a new incident and pages the
// initial assignee. A non-open incident is a no-op.
func (e *Engine) StartEscalation(ctx context.Context, incidentID int64) error {
	inc, err := e.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
	}
	if inc.Status != store.IncidentOpen {
		return nil
	}
	policy, levels, err := e.policies.GetPolicy(ctx, inc.PolicyID)
	if err != nil {
		return err
	}
	if policy == nil || len(levels) == 0 {
		e.audit(ctx, "escalation.policy_missing", store.SeverityHigh, inc.ID, map[string]any{
			"policy_id": inc.PolicyID,
		})
		return nil
	}
	if inc.AssignedUserID != nil {
		e.notify(ctx, inc.ID, *inc.AssignedUserID, "incident_created")
	}
	first := levels[0]
	delay := time.Duration(first.TimeoutMinutes) * time.Minute
	return e.scheduleJob(ctx, inc.ID, first.LevelNumber, 1, delay)
}

// ProcessEscalation handles one scheduled firing. The status check and
// the (repeat, level) comparison make duplicate, late, or post-settle
// firings harmless no-ops.
func (e *Engine) ProcessEscalation(ctx context.Context, incidentID int64, toLevel, repeatNumber int) error {
	inc, err := e.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
	}
	if inc.Status != store.IncidentOpen {
		return nil
	}
	if inc.CurrentRepeat > repeatNumber || (inc.CurrentRepeat == repeatNumber && inc.CurrentLevel >= toLevel) {
		return nil
	}
	policy, levels, err := e.policies.GetPolicy(ctx, inc.PolicyID)
	if err != nil {
		return err
	}
	if policy == nil || len(levels) == 0 {
		e.audit(ctx, "escalation.policy_missing", store.SeverityHigh, inc.ID, map[string]any{
			"policy_id": inc.PolicyID,
		})
		return nil
	}
	// Levels are re-validated on every firing, so a policy edited while
	// a job was in flight falls through to the repeat-or-exhaust branch
	// instead of faulting on a vanished level.
	if level := findLevel(levels, toLevel); level != nil {
		return e.escalateToLevel(ctx, inc, *level, repeatNumber, policy, levels)
	}
	if repeatNumber <= policy.RepeatCount {
		first := findLevel(levels, 1)
		if first == nil {
			first = &levels[0]
		}
		return e.escalateToLevel(ctx, inc, *first, repeatNumber+1, policy, levels)
	}
	e.audit(ctx, "escalation.policy_exhausted", store.SeverityHigh, inc.ID, map[string]any{
		"policy_id": policy.ID,
		"level":     inc.CurrentLevel,
		"repeat":    inc.CurrentRepeat,
	})
	if e.logger != nil {
		e.logger.Warnf("escalation: policy %d exhausted for incident %d, awaiting manual action", policy.ID, inc.ID)
	}
	return nil
}

func (e *Engine) escalateToLevel(ctx context.Context, inc *store.Incident, level store.EscalationLevel, repeatNumber int, policy *store.EscalationPolicy, levels []store.EscalationLevel) error {
	var assignee *int64
	if e.resolver != nil {
		target, err := e.resolver.ResolveEscalationTarget(ctx, level, inc.TeamID)
		if err != nil {
			if e.logger != nil {
				e.logger.Errorf("escalation: resolve target for incident %d level %d: %v", inc.ID, level.LevelNumber, err)
			}
		} else if target > 0 {
			assignee = &target
		}
	}
	now := time.Now().UTC()
	if err := e.incidents.UpdateEscalationState(ctx, inc.ID, level.LevelNumber, repeatNumber, assignee, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another firing advanced or settled the incident first.
			return nil
		}
		return err
	}
	e.collector.RecordEscalation()
	meta := map[string]any{
		"level":  level.LevelNumber,
		"repeat": repeatNumber,
	}
	if assignee != nil {
		meta["assigned_user_id"] = *assignee
	}
	e.audit(ctx, "incident.escalated", store.SeverityInfo, inc.ID, meta)
	if assignee != nil {
		e.notify(ctx, inc.ID, *assignee, "escalation")
	}
	// Always arm the next timer; a firing past the last level decides
	// between restart and exhaustion at fire time.
	nextLevelNumber := level.LevelNumber + 1
	delay := time.Duration(level.TimeoutMinutes) * time.Minute
	if next := findLevel(levels, nextLevelNumber); next != nil {
		delay = time.Duration(next.TimeoutMinutes) * time.Minute
	}
	return e.scheduleJob(ctx, inc.ID, nextLevelNumber, repeatNumber, delay)
}

func (e *Engine) scheduleJob(ctx context.Context, incidentID int64, toLevel, repeatNumber int, delay time.Duration) error {
	jobID, err := e.scheduler.ScheduleEscalation(ctx, incidentID, toLevel, repeatNumber, delay)
	if err != nil {
		return err
	}
	_, err = e.jobs.CreateJob(ctx, &store.EscalationJob{
		IncidentID:      incidentID,
		JobID:           jobID,
		ScheduledLevel:  toLevel,
		ScheduledRepeat: repeatNumber,
		ScheduledFor:    time.Now().UTC().Add(delay),
	})
	return err
}

// HandleJob adapts a queue firing into ProcessEscalation. Registered on
// the scheduler queue under queue.EscalationJobName.
func (e *Engine) HandleJob(ctx context.Context, job store.QueueJob) error {
	var payload queue.EscalationPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode escalation payload: %w", err)
	}
	if err := e.jobs.CompleteJob(ctx, job.ID); err != nil && e.logger != nil {
		e.logger.Errorf("escalation: complete job %s: %v", job.ID, err)
	}
	err := e.ProcessEscalation(ctx, payload.IncidentID, payload.ToLevel, payload.RepeatNumber)
	if errors.Is(err, store.ErrNotFound) {
		// The incident is gone; retrying cannot help.
		return queue.ErrDiscard
	}
	return err
}

// Acknowledge settles escalation for an incident. Pending timers are
// cancelled best-effort: a job a worker already holds still fires and is
// absorbed by ProcessEscalation's guards.
func (e *Engine) Acknowledge(ctx context.Context, incidentID int64) (*store.Incident, error) {
	inc, err := e.incidents.AcknowledgeIncident(ctx, incidentID)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		current, getErr := e.incidents.GetIncident(ctx, incidentID)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
		}
		if current.Status != store.IncidentAcknowledged {
			return nil, store.ErrConflict
		}
		inc = current
	}
	e.cancelJobs(ctx, incidentID)
	e.audit(ctx, "incident.acknowledged", store.SeverityInfo, incidentID, nil)
	return inc, nil
}

func (e *Engine) Resolve(ctx context.Context, incidentID int64) (*store.Incident, error) {
	inc, err := e.incidents.ResolveIncident(ctx, incidentID)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		current, getErr := e.incidents.GetIncident(ctx, incidentID)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
		}
		if current.Status != store.IncidentResolved {
			return nil, store.ErrConflict
		}
		inc = current
	}
	e.cancelJobs(ctx, incidentID)
	e.audit(ctx, "incident.resolved", store.SeverityInfo, incidentID, nil)
	return inc, nil
}

func (e *Engine) Close(ctx context.Context, incidentID int64) (*store.Incident, error) {
	inc, err := e.incidents.CloseIncident(ctx, incidentID)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		current, getErr := e.incidents.GetIncident(ctx, incidentID)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
		}
		inc = current
	}
	e.cancelJobs(ctx, incidentID)
	e.audit(ctx, "incident.closed", store.SeverityInfo, incidentID, nil)
	return inc, nil
}

func (e *Engine) cancelJobs(ctx context.Context, incidentID int64) {
	jobIDs, err := e.jobs.CancelActiveJobs(ctx, incidentID, time.Now().UTC())
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("escalation: cancel jobs for incident %d: %v", incidentID, err)
		}
		return
	}
	for _, jobID := range jobIDs {
		if err := e.scheduler.CancelEscalation(ctx, jobID); err != nil && e.logger != nil {
			e.logger.Errorf("escalation: cancel scheduler job %s: %v", jobID, err)
		}
	}
}

func (e *Engine) notify(ctx context.Context, incidentID, userID int64, kind string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyAssignee(ctx, incidentID, userID, kind); err != nil && e.logger != nil {
		e.logger.Errorf("escalation: notify user %d for incident %d: %v", userID, incidentID, err)
	}
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
		e.logger.Errorf("escalation: audit %s: %v", action, err)
	}
}

func findLevel(levels []store.EscalationLevel, levelNumber int) *store.EscalationLevel {
	for i := range levels {
		if levels[i].LevelNumber == levelNumber {
			return &levels[i]
		}
	}
	return nil
}
