package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"kestrel-alert/config"
	"kestrel-alert/core/dedup"
	"kestrel-alert/core/escalation"
	"kestrel-alert/core/metrics"
	"kestrel-alert/core/notify"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

type ServerDeps struct {
	Incidents     store.IncidentsStore
	Notifications store.NotificationsStore
	Integrations  store.IntegrationsStore
	Audits        store.AuditStore
	Dedup         *dedup.Engine
	Escalation    *escalation.Engine
	Dispatcher    *notify.Dispatcher
	Tracker       *notify.Tracker
	Collector     *metrics.Collector
}

type Server struct {
	cfg    *config.AppConfig
	deps   ServerDeps
	logger *utils.Logger
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Method(http.MethodGet, "/metrics", s.deps.Collector.Handler())
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(apiRouter chi.Router) {
		apiRouter.Use(s.jsonMiddleware)
		apiRouter.Group(func(ingest chi.Router) {
			ingest.Use(s.requireAPIKey)
			ingest.Post("/alerts", s.handleIngestAlert)
		})
		apiRouter.Get("/incidents", s.handleListIncidents)
		apiRouter.Get("/incidents/{id}", s.handleGetIncident)
		apiRouter.Post("/incidents/{id}/acknowledge", s.handleAcknowledge)
		apiRouter.Post("/incidents/{id}/resolve", s.handleResolve)
		apiRouter.Post("/incidents/{id}/close", s.handleClose)
		apiRouter.Get("/incidents/{id}/alerts", s.handleListIncidentAlerts)
		apiRouter.Get("/incidents/{id}/notifications", s.handleListNotifications)
		apiRouter.Post("/notifications/{id}/delivered", s.handleDeliveredCallback)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
