package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kestrel-alert/config"
	"kestrel-alert/core/queue"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

const SendJobName = "notification:send"

// SendPayload is the queue job body for one channel delivery attempt.
type SendPayload struct {
	LogID      int64  `json:"log_id"`
	IncidentID int64  `json:"incident_id"`
	UserID     int64  `json:"user_id"`
	Channel    string `json:"channel"`
	Tier       string `json:"tier"`
	Kind       string `json:"kind"`
}

// JobQueue is the slice of the scheduler the dispatcher enqueues through.
type JobQueue interface {
	Add(ctx context.Context, name string, payload any, opts queue.Options) (string, error)
}

// Options tune a single dispatch.
type Options struct {
	// ChannelsOverride bypasses the user's preferences entirely.
	ChannelsOverride []string
	// SkipTiers sends every eligible channel at once instead of only
	// the primary tier.
	SkipTiers bool
}

type DispatchResult struct {
	Queued   int      `json:"queued"`
	Channels []string `json:"channels"`
}

// Dispatcher decides which channels reach a user for an incident and
// enqueues one send job per channel. Senders run later, in queue
// workers, reporting outcomes through the Tracker.
type Dispatcher struct {
	incidents store.IncidentsStore
	users     store.UsersStore
	logs      store.NotificationsStore
	jobs      JobQueue
	senders   *SenderRegistry
	tracker   *Tracker
	audits    store.AuditStore
	cfg       config.NotificationsConfig
	logger    *utils.Logger
}

func NewDispatcher(incidents store.IncidentsStore, users store.UsersStore, logs store.NotificationsStore, jobs JobQueue, senders *SenderRegistry, tracker *Tracker, audits store.AuditStore, cfg config.NotificationsConfig, logger *utils.Logger) *Dispatcher {
	return &Dispatcher{
		incidents: incidents,
		users:     users,
		logs:      logs,
		jobs:      jobs,
		senders:   senders,
		tracker:   tracker,
		audits:    audits,
		cfg:       cfg,
		logger:    logger,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, incidentID, userID int64, kind string, opts Options) (*DispatchResult, error) {
	inc, err := d.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
	}
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	candidates, err := d.candidateChannels(ctx, user, opts.ChannelsOverride)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if d.logger != nil {
			d.logger.Warnf("notify: no usable channels for user %d on incident %d", userID, incidentID)
		}
		return &DispatchResult{Queued: 0, Channels: []string{}}, nil
	}
	toSend := candidates
	tier := TierPrimary
	if !opts.SkipTiers {
		toSend = intersect(candidates, tierChannels[TierPrimary])
		if len(toSend) == 0 {
			// The user only has secondary/fallback channels enabled;
			// start there rather than sending nothing.
			tier = TierSecondary
			toSend = intersect(candidates, tierChannels[TierSecondary])
			if len(toSend) == 0 {
				tier = TierFallback
				toSend = intersect(candidates, tierChannels[TierFallback])
			}
		}
	}
	queued, err := d.enqueueChannels(ctx, inc, userID, toSend, tier, kind)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, "notification.dispatched", incidentID, map[string]any{
		"user_id":  userID,
		"kind":     kind,
		"tier":     tier,
		"channels": toSend,
		"level":    inc.CurrentLevel,
		"repeat":   inc.CurrentRepeat,
	})
	return &DispatchResult{Queued: queued, Channels: toSend}, nil
}

// EscalateToNextTier moves one tier down after the critical-channels
// verdict. A warning no-op when the user has nothing in the next tier.
func (d *Dispatcher) EscalateToNextTier(ctx context.Context, incidentID, userID int64, failedTier, kind string) (*DispatchResult, error) {
	next := nextTier(failedTier)
	if next == "" {
		if d.logger != nil {
			d.logger.Warnf("notify: no tier after %q for user %d on incident %d", failedTier, userID, incidentID)
		}
		return &DispatchResult{Queued: 0, Channels: []string{}}, nil
	}
	inc, err := d.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %d: %w", incidentID, store.ErrNotFound)
	}
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	candidates, err := d.candidateChannels(ctx, user, nil)
	if err != nil {
		return nil, err
	}
	toSend := intersect(candidates, tierChannels[next])
	if len(toSend) == 0 {
		if d.logger != nil {
			d.logger.Warnf("notify: no channels in tier %q for user %d on incident %d", next, userID, incidentID)
		}
		return &DispatchResult{Queued: 0, Channels: []string{}}, nil
	}
	queued, err := d.enqueueChannels(ctx, inc, userID, toSend, next, kind)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, "notification.tier_escalated", incidentID, map[string]any{
		"user_id":     userID,
		"failed_tier": failedTier,
		"tier":        next,
		"channels":    toSend,
	})
	return &DispatchResult{Queued: queued, Channels: toSend}, nil
}

// NotifyAssignee is the escalation engine's paging hook.
func (d *Dispatcher) NotifyAssignee(ctx context.Context, incidentID, userID int64, kind string) error {
	_, err := d.Dispatch(ctx, incidentID, userID, kind, Options{})
	return err
}

// candidateChannels returns the channels a message can actually reach
// the user on, ordered by the user's preference priority.
func (d *Dispatcher) candidateChannels(ctx context.Context, user *store.User, override []string) ([]string, error) {
	var channels []string
	if len(override) > 0 {
		for _, c := range override {
			channels = append(channels, strings.ToLower(strings.TrimSpace(c)))
		}
	} else {
		prefs, err := d.users.ListChannelPrefs(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range prefs {
			if p.Enabled {
				channels = append(channels, p.Channel)
			}
		}
	}
	hasPhone := user.Phone != nil && strings.TrimSpace(*user.Phone) != ""
	hasPush := user.PushToken != nil && strings.TrimSpace(*user.PushToken) != ""
	out := channels[:0]
	for _, c := range channels {
		switch c {
		case ChannelSMS, ChannelVoice:
			if !hasPhone {
				continue
			}
		case ChannelChat:
			if !user.ChatActive {
				continue
			}
		case ChannelPush:
			if !hasPush {
				continue
			}
		case ChannelEmail:
			if strings.TrimSpace(user.Email) == "" {
				continue
			}
		default:
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *Dispatcher) enqueueChannels(ctx context.Context, inc *store.Incident, userID int64, channels []string, tier, kind string) (int, error) {
	queued := 0
	for _, channel := range channels {
		logID, err := d.logs.CreateLog(ctx, inc.ID, userID, channel)
		if err != nil {
			return queued, err
		}
		_, err = d.jobs.Add(ctx, SendJobName, SendPayload{
			LogID:      logID,
			IncidentID: inc.ID,
			UserID:     userID,
			Channel:    channel,
			Tier:       tier,
			Kind:       kind,
		}, queue.Options{
			Attempts:    d.cfg.EffectiveMaxAttempts(),
			BackoffBase: d.cfg.EffectiveBackoffBase(),
			Priority:    priorityRank(inc.Priority),
		})
		if err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// HandleSendJob runs one delivery attempt from the queue. Send failures
// propagate so the queue retries with backoff; the final attempt marks
// the log failed and consults the critical-channels verdict.
func (d *Dispatcher) HandleSendJob(ctx context.Context, job store.QueueJob) error {
	var payload SendPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode send payload: %w", err)
	}
	inc, err := d.incidents.GetIncident(ctx, payload.IncidentID)
	if err != nil {
		return err
	}
	if inc == nil || !inc.Active() {
		// Settled while queued. Leave the log row as is.
		return queue.ErrDiscard
	}
	sender := d.senders.Get(payload.Channel)
	if sender == nil {
		_ = d.tracker.TrackFailed(ctx, payload.LogID, "no sender for channel "+payload.Channel)
		return queue.ErrDiscard
	}
	if err := d.tracker.TrackSending(ctx, payload.LogID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Log row already sent or terminal; a late duplicate firing.
			return queue.ErrDiscard
		}
		return err
	}
	user, err := d.users.GetUser(ctx, payload.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		_ = d.tracker.TrackFailed(ctx, payload.LogID, "user missing")
		return queue.ErrDiscard
	}
	result, sendErr := sender.Send(ctx, Payload{
		IncidentID: inc.ID,
		UserID:     user.ID,
		Channel:    payload.Channel,
		Target:     channelTarget(user, payload.Channel),
		Title:      inc.Title,
		Message:    fmt.Sprintf("[%s] incident #%d is %s (level %d)", strings.ToUpper(inc.Priority), inc.ID, inc.Status, inc.CurrentLevel),
		Kind:       payload.Kind,
	})
	if sendErr == nil {
		if err := d.tracker.TrackSent(ctx, payload.LogID, result.ProviderID); err != nil && d.logger != nil {
			d.logger.Errorf("notify: mark sent %d: %v", payload.LogID, err)
		}
		return nil
	}
	if job.Attempts < job.MaxAttempts {
		return sendErr
	}
	if err := d.tracker.TrackFailed(ctx, payload.LogID, sendErr.Error()); err != nil && d.logger != nil {
		d.logger.Errorf("notify: mark failed %d: %v", payload.LogID, err)
	}
	d.maybeEscalateTier(ctx, payload)
	return sendErr
}

// maybeEscalateTier fires tier escalation once the critical-channels
// verdict holds. Best effort; delivery failure handling never aborts.
func (d *Dispatcher) maybeEscalateTier(ctx context.Context, payload SendPayload) {
	critical, err := d.tracker.CheckCriticalChannelsFailed(ctx, payload.IncidentID, payload.UserID)
	if err != nil {
		if d.logger != nil {
			d.logger.Errorf("notify: critical channel check for incident %d: %v", payload.IncidentID, err)
		}
		return
	}
	if !critical {
		return
	}
	tier := payload.Tier
	if tier == "" {
		tier = tierOf(payload.Channel)
	}
	if _, err := d.EscalateToNextTier(ctx, payload.IncidentID, payload.UserID, tier, payload.Kind); err != nil && d.logger != nil {
		d.logger.Errorf("notify: tier escalation for incident %d: %v", payload.IncidentID, err)
	}
}

func (d *Dispatcher) audit(ctx context.Context, action string, incidentID int64, meta map[string]any) {
	if d.audits == nil {
		return
	}
	err := d.audits.Log(ctx, store.AuditEntry{
		Action:       action,
		Severity:     store.SeverityInfo,
		ResourceType: "incident",
		ResourceID:   strconv.FormatInt(incidentID, 10),
		Metadata:     meta,
	})
	if err != nil && d.logger != nil {
		d.logger.Errorf("notify: audit %s: %v", action, err)
	}
}

func channelTarget(user *store.User, channel string) string {
	switch channel {
	case ChannelEmail:
		return user.Email
	case ChannelSMS, ChannelVoice:
		if user.Phone != nil {
			return *user.Phone
		}
	case ChannelPush:
		if user.PushToken != nil {
			return *user.PushToken
		}
	case ChannelChat:
		return strconv.FormatInt(user.ID, 10)
	}
	return ""
}

// priorityRank orders queue jobs: lower runs first.
func priorityRank(priority string) int {
	switch priority {
	case store.PriorityCritical:
		return 0
	case store.PriorityHigh:
		return 1
	case store.PriorityMedium:
		return 2
	default:
		return 3
	}
}

func intersect(channels, tier []string) []string {
	var out []string
	for _, c := range channels {
		for _, t := range tier {
			if c == t {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
