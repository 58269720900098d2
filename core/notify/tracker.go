package notify

import (
	"context"
	"strconv"

	"kestrel-alert/core/metrics"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

// Tracker records each delivery attempt's lifecycle. State transitions
// are enforced by the store's guarded updates; terminal rows never move.
type Tracker struct {
	logs      store.NotificationsStore
	audits    store.AuditStore
	collector *metrics.Collector
	logger    *utils.Logger
}

func NewTracker(logs store.NotificationsStore, audits store.AuditStore, collector *metrics.Collector, logger *utils.Logger) *Tracker {
	return &Tracker{logs: logs, audits: audits, collector: collector, logger: logger}
}

func (t *Tracker) TrackSending(ctx context.Context, logID int64) error {
	return t.logs.MarkSending(ctx, logID)
}

func (t *Tracker) TrackSent(ctx context.Context, logID int64, providerID string) error {
	if err := t.logs.MarkSent(ctx, logID, providerID); err != nil {
		return err
	}
	if log, err := t.logs.GetLog(ctx, logID); err == nil && log != nil {
		t.collector.RecordNotification(log.Channel, store.NotificationSent)
	}
	return nil
}

func (t *Tracker) TrackDelivered(ctx context.Context, logID int64) error {
	if err := t.logs.MarkDelivered(ctx, logID); err != nil {
		return err
	}
	if log, err := t.logs.GetLog(ctx, logID); err == nil && log != nil {
		t.collector.RecordNotification(log.Channel, store.NotificationDelivered)
	}
	return nil
}

func (t *Tracker) TrackFailed(ctx context.Context, logID int64, errText string) error {
	if err := t.logs.MarkFailed(ctx, logID, errText); err != nil {
		return err
	}
	log, err := t.logs.GetLog(ctx, logID)
	if err != nil || log == nil {
		return nil
	}
	t.collector.RecordNotification(log.Channel, store.NotificationFailed)
	if t.audits != nil {
		auditErr := t.audits.Log(ctx, store.AuditEntry{
			Action:       "notification.failed",
			Severity:     store.SeverityWarn,
			ResourceType: "notification",
			ResourceID:   strconv.FormatInt(logID, 10),
			Metadata: map[string]any{
				"incident_id": log.IncidentID,
				"user_id":     log.UserID,
				"channel":     log.Channel,
				"error":       errText,
				"attempts":    log.AttemptCount,
			},
		})
		if auditErr != nil && t.logger != nil {
			t.logger.Errorf("notify: audit failed delivery %d: %v", logID, auditErr)
		}
	}
	return nil
}

// CheckCriticalChannelsFailed reports whether both the email and sms
// attempts for the pair ended in failure. This is the verdict that
// drives tier escalation.
func (t *Tracker) CheckCriticalChannelsFailed(ctx context.Context, incidentID, userID int64) (bool, error) {
	failed, err := t.logs.FailedChannels(ctx, incidentID, userID)
	if err != nil {
		return false, err
	}
	var email, sms bool
	for _, c := range failed {
		switch c {
		case ChannelEmail:
			email = true
		case ChannelSMS:
			sms = true
		}
	}
	return email && sms, nil
}

func (t *Tracker) FailedChannels(ctx context.Context, incidentID, userID int64) ([]string, error) {
	return t.logs.FailedChannels(ctx, incidentID, userID)
}
