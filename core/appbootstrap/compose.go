package appbootstrap

import (
	"time"

	"kestrel-alert/api"
	"kestrel-alert/config"
	"kestrel-alert/core/dedup"
	"kestrel-alert/core/escalation"
	"kestrel-alert/core/metrics"
	"kestrel-alert/core/notify"
	"kestrel-alert/core/queue"
	"kestrel-alert/core/routing"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

type runtimeComposition struct {
	server     *api.Server
	queue      *queue.Queue
	reconciler *escalation.Reconciler
}

func composeRuntime(cfg *config.AppConfig, db *store.DB, logger *utils.Logger) *runtimeComposition {
	incidents := store.NewIncidentsStore(db)
	policies := store.NewPoliciesStore(db)
	users := store.NewUsersStore(db)
	notifications := store.NewNotificationsStore(db)
	escalationJobs := store.NewEscalationJobsStore(db)
	queueStore := store.NewQueueStore(db)
	audits := store.NewAuditStore(db)
	integrations := store.NewIntegrationsStore(db)
	collector := metrics.NewCollector()

	jobQueue := queue.New(cfg.Queue, queueStore, logger)
	resolver := routing.NewStoreResolver(users)

	tracker := notify.NewTracker(notifications, audits, collector, logger)
	senders := notify.NewSenderRegistry(
		notify.NewHTTPChatSender(cfg.Chat.BaseURL, cfg.Chat.Token, time.Duration(cfg.Notifications.ChatTimeoutSec)*time.Second),
		notify.NewWebhookSender(notify.ChannelEmail, cfg.Providers.EmailEndpoint, cfg.Providers.AuthToken, 0),
		notify.NewWebhookSender(notify.ChannelPush, cfg.Providers.PushEndpoint, cfg.Providers.AuthToken, 0),
		notify.NewWebhookSender(notify.ChannelSMS, cfg.Providers.SMSEndpoint, cfg.Providers.AuthToken, 0),
		notify.NewWebhookSender(notify.ChannelVoice, cfg.Providers.VoiceEndpoint, cfg.Providers.AuthToken, 0),
	)
	dispatcher := notify.NewDispatcher(incidents, users, notifications, jobQueue, senders, tracker, audits, cfg.Notifications, logger)

	escalationEngine := escalation.NewEngine(incidents, policies, escalationJobs, jobQueue, resolver, dispatcher, audits, collector, logger)
	dedupEngine := dedup.NewEngine(incidents, policies, resolver, escalationEngine, audits, collector, logger)
	reconciler := escalation.NewReconciler(escalationEngine, cfg.Escalation, logger)

	jobQueue.Register(queue.EscalationJobName, escalationEngine.HandleJob)
	jobQueue.Register(notify.SendJobName, dispatcher.HandleSendJob)

	server := api.NewServer(cfg, api.ServerDeps{
		Incidents:     incidents,
		Notifications: notifications,
		Integrations:  integrations,
		Audits:        audits,
		Dedup:         dedupEngine,
		Escalation:    escalationEngine,
		Dispatcher:    dispatcher,
		Tracker:       tracker,
		Collector:     collector,
	}, logger)

	return &runtimeComposition{
		server:     server,
		queue:      jobQueue,
		reconciler: reconciler,
	}
}
