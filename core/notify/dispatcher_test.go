package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"kestrel-alert/config"
	"kestrel-alert/core/metrics"
	"kestrel-alert/core/queue"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

type capturedJob struct {
	name    string
	payload SendPayload
	opts    queue.Options
}

type captureQueue struct {
	jobs []capturedJob
	seq  int
}

func (c *captureQueue) Add(ctx context.Context, name string, payload any, opts queue.Options) (string, error) {
	c.seq++
	c.jobs = append(c.jobs, capturedJob{name: name, payload: payload.(SendPayload), opts: opts})
	return "job", nil
}

type notifyFixture struct {
	dispatcher *Dispatcher
	tracker    *Tracker
	queue      *captureQueue
	senders    *SenderRegistry
	incidents  store.IncidentsStore
	users      store.UsersStore
	logs       store.NotificationsStore
	db         *store.DB
}

func newNotifyFixture(t *testing.T) *notifyFixture {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "notify_test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	incidents := store.NewIncidentsStore(db)
	users := store.NewUsersStore(db)
	logs := store.NewNotificationsStore(db)
	audits := store.NewAuditStore(db)
	q := &captureQueue{}
	senders := NewSenderRegistry()
	tracker := NewTracker(logs, audits, metrics.NewCollector(), logger)
	dispatcher := NewDispatcher(incidents, users, logs, q, senders, tracker, audits, config.NotificationsConfig{MaxAttempts: 5, BackoffBaseSec: 30}, logger)
	return &notifyFixture{
		dispatcher: dispatcher,
		tracker:    tracker,
		queue:      q,
		senders:    senders,
		incidents:  incidents,
		users:      users,
		logs:       logs,
		db:         db,
	}
}

func (f *notifyFixture) openIncident(t *testing.T, priority string) *store.Incident {
	t.Helper()
	fresh := &store.Incident{Fingerprint: "pay:gateway", Title: "gateway down", Priority: priority, TeamID: 1, PolicyID: 1}
	inc, _, err := f.incidents.DeduplicateIncident(context.Background(), &store.IncidentAlert{AlertID: "nf-1", PayloadJSON: "{}"}, fresh, 15)
	if err != nil {
		t.Fatalf("incident: %v", err)
	}
	return inc
}

func (f *notifyFixture) addUser(t *testing.T, u store.User, prefs []store.ChannelPref) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.users.CreateUser(ctx, &u)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if len(prefs) > 0 {
		if err := f.users.SetChannelPrefs(ctx, id, prefs); err != nil {
			t.Fatalf("prefs: %v", err)
		}
	}
	return id
}

func TestDispatchEmailOnlyUser(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityCritical)
	userID := f.addUser(t, store.User{Name: "Mallory", Email: "m@example.com", Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
		{Channel: ChannelSMS, Enabled: true, Priority: 2},
		{Channel: ChannelVoice, Enabled: true, Priority: 3},
	})

	res, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "incident_created", Options{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// No phone on file: sms and voice are filtered before tiering.
	if res.Queued != 1 || len(res.Channels) != 1 || res.Channels[0] != ChannelEmail {
		t.Fatalf("result = %+v", res)
	}
	job := f.queue.jobs[0]
	if job.name != SendJobName || job.payload.Channel != ChannelEmail || job.payload.Tier != TierPrimary {
		t.Fatalf("job = %+v", job)
	}
	if job.opts.Attempts != 5 || job.opts.Priority != 0 {
		t.Fatalf("opts = %+v", job.opts)
	}
	rows, err := f.logs.ListForIncident(context.Background(), inc.ID)
	if err != nil || len(rows) != 1 || rows[0].Status != store.NotificationQueued {
		t.Fatalf("logs = %v, %v", rows, err)
	}
}

func TestDispatchPrimaryTierOnly(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityLow)
	phone := "+15550100"
	userID := f.addUser(t, store.User{Name: "Nia", Email: "n@example.com", Phone: &phone, ChatActive: true, Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
		{Channel: ChannelChat, Enabled: true, Priority: 2},
		{Channel: ChannelSMS, Enabled: true, Priority: 3},
		{Channel: ChannelVoice, Enabled: true, Priority: 4},
	})

	res, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "escalation", Options{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Queued != 2 {
		t.Fatalf("queued = %d, want primary tier only", res.Queued)
	}
	for _, job := range f.queue.jobs {
		if job.payload.Channel == ChannelSMS || job.payload.Channel == ChannelVoice {
			t.Fatalf("secondary channel %s dispatched preemptively", job.payload.Channel)
		}
		if job.opts.Priority != 3 {
			t.Fatalf("low priority incident must sort last, got %d", job.opts.Priority)
		}
	}
}

func TestDispatchSkipTiersSendsEverything(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityHigh)
	phone := "+15550101"
	userID := f.addUser(t, store.User{Name: "Omar", Email: "o@example.com", Phone: &phone, Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
		{Channel: ChannelSMS, Enabled: true, Priority: 2},
		{Channel: ChannelVoice, Enabled: true, Priority: 3},
	})

	res, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "manual", Options{SkipTiers: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Queued != 3 {
		t.Fatalf("queued = %d, want all eligible channels", res.Queued)
	}
}

func TestDispatchNoChannels(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityHigh)
	userID := f.addUser(t, store.User{Name: "Pat", Email: "", Active: true}, nil)

	res, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "incident_created", Options{})
	if err != nil {
		t.Fatalf("no channels is not an error: %v", err)
	}
	if res.Queued != 0 || len(res.Channels) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestEscalateToNextTier(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityCritical)
	phone := "+15550102"
	userID := f.addUser(t, store.User{Name: "Quin", Email: "q@example.com", Phone: &phone, Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
		{Channel: ChannelSMS, Enabled: true, Priority: 2},
		{Channel: ChannelVoice, Enabled: true, Priority: 3},
	})

	res, err := f.dispatcher.EscalateToNextTier(context.Background(), inc.ID, userID, TierPrimary, "escalation")
	if err != nil {
		t.Fatalf("tier escalation: %v", err)
	}
	if res.Queued != 1 || res.Channels[0] != ChannelSMS {
		t.Fatalf("result = %+v", res)
	}
	res, err = f.dispatcher.EscalateToNextTier(context.Background(), inc.ID, userID, TierSecondary, "escalation")
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if res.Queued != 1 || res.Channels[0] != ChannelVoice {
		t.Fatalf("fallback result = %+v", res)
	}
	// Past the fallback tier there is nowhere to go.
	res, err = f.dispatcher.EscalateToNextTier(context.Background(), inc.ID, userID, TierFallback, "escalation")
	if err != nil || res.Queued != 0 {
		t.Fatalf("after fallback = %+v, %v", res, err)
	}
}

func TestDispatchDefaultsRetryPolicy(t *testing.T) {
	f := newNotifyFixture(t)
	// An unset notifications section still produces a sane retry policy.
	f.dispatcher = NewDispatcher(f.incidents, f.users, f.logs, f.queue, f.senders, f.tracker, store.NewAuditStore(f.db), config.NotificationsConfig{}, utils.NewLogger())
	inc := f.openIncident(t, store.PriorityHigh)
	userID := f.addUser(t, store.User{Name: "Ira", Email: "i@example.com", Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
	})

	if _, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "incident_created", Options{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	opts := f.queue.jobs[0].opts
	if opts.Attempts != 5 || opts.BackoffBase != 30*time.Second {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestHandleSendJobSuccess(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityHigh)
	userID := f.addUser(t, store.User{Name: "Rae", Email: "r@example.com", Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"prov-1"}`))
	}))
	defer srv.Close()
	f.senders.Register(NewWebhookSender(ChannelEmail, srv.URL, "", 0))

	if _, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "incident_created", Options{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	payload := f.queue.jobs[0].payload
	job := store.QueueJob{ID: "q1", Name: SendJobName, PayloadJSON: mustJSON(t, payload), Attempts: 1, MaxAttempts: 5}
	if err := f.dispatcher.HandleSendJob(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	log, err := f.logs.GetLog(context.Background(), payload.LogID)
	if err != nil || log == nil {
		t.Fatalf("log: %v", err)
	}
	if log.Status != store.NotificationSent || log.ProviderID != "prov-1" || log.AttemptCount != 1 {
		t.Fatalf("log = %+v", log)
	}
}

func TestHandleSendJobDuplicateAfterSent(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityHigh)
	userID := f.addUser(t, store.User{Name: "Noa", Email: "n@example.com", Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
	})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"id":"prov-1"}`))
	}))
	defer srv.Close()
	f.senders.Register(NewWebhookSender(ChannelEmail, srv.URL, "", 0))

	if _, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "incident_created", Options{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	payload := f.queue.jobs[0].payload
	raw := mustJSON(t, payload)
	if err := f.dispatcher.HandleSendJob(context.Background(), store.QueueJob{ID: "q1", Name: SendJobName, PayloadJSON: raw, Attempts: 1, MaxAttempts: 5}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// The same job firing again must be discarded without paging the
	// provider a second time or touching the log.
	err := f.dispatcher.HandleSendJob(context.Background(), store.QueueJob{ID: "q1", Name: SendJobName, PayloadJSON: raw, Attempts: 2, MaxAttempts: 5})
	if !errors.Is(err, queue.ErrDiscard) {
		t.Fatalf("duplicate job: got %v, want ErrDiscard", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("provider hit %d times, want 1", got)
	}
	log, _ := f.logs.GetLog(context.Background(), payload.LogID)
	if log.Status != store.NotificationSent || log.AttemptCount != 1 {
		t.Fatalf("log = %+v", log)
	}
}

func TestHandleSendJobRetriesThenFails(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityHigh)
	userID := f.addUser(t, store.User{Name: "Sol", Email: "s@example.com", Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
	})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	f.senders.Register(NewWebhookSender(ChannelEmail, srv.URL, "", 0))

	if _, err := f.dispatcher.Dispatch(context.Background(), inc.ID, userID, "incident_created", Options{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	payload := f.queue.jobs[0].payload
	raw := mustJSON(t, payload)

	// Attempts below the cap propagate the error for a queue retry.
	err := f.dispatcher.HandleSendJob(context.Background(), store.QueueJob{ID: "q1", Name: SendJobName, PayloadJSON: raw, Attempts: 1, MaxAttempts: 5})
	if err == nil || errors.Is(err, queue.ErrDiscard) {
		t.Fatalf("mid-run failure must be retryable, got %v", err)
	}
	log, _ := f.logs.GetLog(context.Background(), payload.LogID)
	if log.Status != store.NotificationSending {
		t.Fatalf("status = %s, want sending", log.Status)
	}

	// The final attempt marks the log failed.
	err = f.dispatcher.HandleSendJob(context.Background(), store.QueueJob{ID: "q1", Name: SendJobName, PayloadJSON: raw, Attempts: 5, MaxAttempts: 5})
	if err == nil {
		t.Fatal("final failure still reports the error")
	}
	log, _ = f.logs.GetLog(context.Background(), payload.LogID)
	if log.Status != store.NotificationFailed || log.AttemptCount != 2 {
		t.Fatalf("log = %+v", log)
	}
}

func TestCriticalFailureTriggersTierEscalation(t *testing.T) {
	f := newNotifyFixture(t)
	inc := f.openIncident(t, store.PriorityCritical)
	phone := "+15550103"
	userID := f.addUser(t, store.User{Name: "Tam", Email: "t@example.com", Phone: &phone, Active: true}, []store.ChannelPref{
		{Channel: ChannelEmail, Enabled: true, Priority: 1},
		{Channel: ChannelSMS, Enabled: true, Priority: 2},
		{Channel: ChannelVoice, Enabled: true, Priority: 3},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	f.senders.Register(NewWebhookSender(ChannelEmail, srv.URL, "", 0))
	f.senders.Register(NewWebhookSender(ChannelSMS, srv.URL, "", 0))

	ctx := context.Background()
	emailLog, err := f.logs.CreateLog(ctx, inc.ID, userID, ChannelEmail)
	if err != nil {
		t.Fatalf("email log: %v", err)
	}
	smsLog, err := f.logs.CreateLog(ctx, inc.ID, userID, ChannelSMS)
	if err != nil {
		t.Fatalf("sms log: %v", err)
	}

	emailJob := store.QueueJob{ID: "e1", Name: SendJobName, PayloadJSON: mustJSON(t, SendPayload{LogID: emailLog, IncidentID: inc.ID, UserID: userID, Channel: ChannelEmail, Tier: TierPrimary}), Attempts: 5, MaxAttempts: 5}
	if err := f.dispatcher.HandleSendJob(ctx, emailJob); err == nil {
		t.Fatal("email job must fail")
	}
	// Email alone failing is not the critical verdict.
	if got, _ := f.tracker.CheckCriticalChannelsFailed(ctx, inc.ID, userID); got {
		t.Fatal("verdict must need both email and sms")
	}
	voiceBefore := countChannelJobs(f.queue.jobs, ChannelVoice)

	smsJob := store.QueueJob{ID: "s1", Name: SendJobName, PayloadJSON: mustJSON(t, SendPayload{LogID: smsLog, IncidentID: inc.ID, UserID: userID, Channel: ChannelSMS, Tier: TierSecondary}), Attempts: 5, MaxAttempts: 5}
	if err := f.dispatcher.HandleSendJob(ctx, smsJob); err == nil {
		t.Fatal("sms job must fail")
	}
	if got, _ := f.tracker.CheckCriticalChannelsFailed(ctx, inc.ID, userID); !got {
		t.Fatal("both critical channels failed, verdict must hold")
	}
	if countChannelJobs(f.queue.jobs, ChannelVoice) != voiceBefore+1 {
		t.Fatal("sms failure after email failure must escalate to the fallback tier")
	}
}

func countChannelJobs(jobs []capturedJob, channel string) int {
	n := 0
	for _, j := range jobs {
		if j.payload.Channel == channel {
			n++
		}
	}
	return n
}
