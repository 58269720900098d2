// Package metrics exposes prometheus counters for the intake pipeline.
// A Collector is passed explicitly where needed; nil is a valid value and
// turns every recording call into a no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	alertsIngested    *prometheus.CounterVec
	incidentsCreated  prometheus.Counter
	escalationsFired  prometheus.Counter
	notificationsSent *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	alertsIngested := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "alerts_ingested_total",
			Help:      "Total alerts ingested, labelled by dedup outcome",
		},
		[]string{"outcome"},
	)
	incidentsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "incidents_created_total",
		Help:      "Total incidents created by the deduplication engine",
	})
	escalationsFired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "escalations_fired_total",
		Help:      "Total escalation level advances",
	})
	notificationsSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "notifications_total",
			Help:      "Notification send outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)
	registry.MustRegister(alertsIngested, incidentsCreated, escalationsFired, notificationsSent)
	return &Collector{
		registry:          registry,
		alertsIngested:    alertsIngested,
		incidentsCreated:  incidentsCreated,
		escalationsFired:  escalationsFired,
		notificationsSent: notificationsSent,
	}
}

func (c *Collector) RecordAlert(duplicate bool) {
	if c == nil {
		return
	}
	outcome := "new"
	if duplicate {
		outcome = "duplicate"
	}
	c.alertsIngested.WithLabelValues(outcome).Inc()
	if !duplicate {
		c.incidentsCreated.Inc()
	}
}

func (c *Collector) RecordEscalation() {
	if c == nil {
		return
	}
	c.escalationsFired.Inc()
}

func (c *Collector) RecordNotification(channel, status string) {
	if c == nil {
		return
	}
	c.notificationsSent.WithLabelValues(channel, status).Inc()
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
