package escalation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"kestrel-alert/config"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

// ReconcileStaleEscalations re-arms timers for open incidents whose
// escalation stalled, usually because a process died between persisting
// an incident and scheduling its job. Returns the number of incidents
// re-armed. Errors on individual incidents are logged and skipped.
func (e *Engine) ReconcileStaleEscalations(ctx context.Context, staleAfter time.Duration) int {
	cutoff := time.Now().UTC().Add(-staleAfter)
	incidents, err := e.incidents.ListStaleOpenIncidents(ctx, cutoff)
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("escalation: list stale incidents: %v", err)
		}
		return 0
	}
	rescued := 0
	for _, inc := range incidents {
		active, err := e.jobs.HasActiveJob(ctx, inc.ID)
		if err != nil {
			if e.logger != nil {
				e.logger.Errorf("escalation: check active job for incident %d: %v", inc.ID, err)
			}
			continue
		}
		if active {
			continue
		}
		if err := e.scheduleJob(ctx, inc.ID, inc.CurrentLevel+1, maxInt(inc.CurrentRepeat, 1), 0); err != nil {
			if e.logger != nil {
				e.logger.Errorf("escalation: reschedule incident %d: %v", inc.ID, err)
			}
			continue
		}
		e.audit(ctx, "escalation.reconciled", store.SeverityWarn, inc.ID, map[string]any{
			"level":  inc.CurrentLevel,
			"repeat": inc.CurrentRepeat,
		})
		rescued++
	}
	if rescued > 0 && e.logger != nil {
		e.logger.Infof("escalation: reconciler re-armed %d stalled incidents", rescued)
	}
	return rescued
}

// Reconciler runs ReconcileStaleEscalations on a cron schedule.
type Reconciler struct {
	engine *Engine
	cfg    config.EscalationConfig
	logger *utils.Logger
	cron   *cron.Cron
}

func NewReconciler(engine *Engine, cfg config.EscalationConfig, logger *utils.Logger) *Reconciler {
	return &Reconciler{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}
}

func (r *Reconciler) Start() error {
	if !r.cfg.ReconcileEnabled {
		return nil
	}
	schedule := r.cfg.ReconcileSchedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		r.engine.ReconcileStaleEscalations(ctx, r.cfg.StaleAfter)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	if r.logger != nil {
		r.logger.Infof("escalation: reconciler started, schedule %q", schedule)
	}
	return nil
}

// RunOnce performs a single reconcile pass outside the cron cadence.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	if !r.cfg.ReconcileEnabled {
		return 0
	}
	return r.engine.ReconcileStaleEscalations(ctx, r.cfg.StaleAfter)
}

func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
