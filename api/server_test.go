package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"golang.org/x/crypto/bcrypt"

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

const testAPIKey = "kst_test_key_123"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "api_test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	incidents := store.NewIncidentsStore(db)
	policies := store.NewPoliciesStore(db)
	users := store.NewUsersStore(db)
	notifications := store.NewNotificationsStore(db)
	escalationJobs := store.NewEscalationJobsStore(db)
	audits := store.NewAuditStore(db)
	integrations := store.NewIntegrationsStore(db)
	collector := metrics.NewCollector()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := integrations.CreateIntegration(ctx, "monitoring", string(hash)); err != nil {
		t.Fatalf("integration: %v", err)
	}

	jobQueue := queue.New(config.QueueConfig{Enabled: true}, store.NewQueueStore(db), logger)
	resolver := routing.NewStoreResolver(users)
	tracker := notify.NewTracker(notifications, audits, collector, logger)
	dispatcher := notify.NewDispatcher(incidents, users, notifications, jobQueue, notify.NewSenderRegistry(), tracker, audits, config.NotificationsConfig{MaxAttempts: 5, BackoffBaseSec: 30}, logger)
	escalationEngine := escalation.NewEngine(incidents, policies, escalationJobs, jobQueue, resolver, dispatcher, audits, collector, logger)
	dedupEngine := dedup.NewEngine(incidents, policies, resolver, escalationEngine, audits, collector, logger)

	server := NewServer(cfg, ServerDeps{
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
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postAlert(t *testing.T, srv *httptest.Server, key, alertID, fingerprint string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"alert_id":    alertID,
		"fingerprint": fingerprint,
		"title":       "checkout errors",
		"priority":    "critical",
		"team_id":     1,
		"policy_id":   1,
	})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/alerts", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func TestIngestRequiresAPIKey(t *testing.T) {
	srv := newTestServer(t)

	resp := postAlert(t, srv, "", "k-1", "web:500s")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status %d", resp.StatusCode)
	}
	resp = postAlert(t, srv, "wrong-key", "k-1", "web:500s")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: status %d", resp.StatusCode)
	}
}

func TestIngestAndIncidentLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := postAlert(t, srv, testAPIKey, "l-1", "web:500s")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: status %d", resp.StatusCode)
	}
	var created struct {
		Incident  store.Incident `json:"incident"`
		Duplicate bool           `json:"duplicate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Duplicate || created.Incident.ID == 0 {
		t.Fatalf("created = %+v", created)
	}

	dup := postAlert(t, srv, testAPIKey, "l-2", "web:500s")
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusOK {
		t.Fatalf("duplicate: status %d", dup.StatusCode)
	}

	ackURL := srv.URL + "/api/v1/incidents/" + strconv.FormatInt(created.Incident.ID, 10) + "/acknowledge"
	ack, err := srv.Client().Post(ackURL, "application/json", nil)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	defer ack.Body.Close()
	if ack.StatusCode != http.StatusOK {
		t.Fatalf("ack: status %d", ack.StatusCode)
	}
	var acked store.Incident
	if err := json.NewDecoder(ack.Body).Decode(&acked); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if acked.Status != store.IncidentAcknowledged {
		t.Fatalf("status = %s", acked.Status)
	}

	// Resolving a missing incident is a 404, not a 500.
	missing, err := srv.Client().Post(srv.URL+"/api/v1/incidents/99999/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing incident: status %d", missing.StatusCode)
	}
}

func TestListIncidentsFilter(t *testing.T) {
	srv := newTestServer(t)

	resp := postAlert(t, srv, testAPIKey, "f-1", "db:conn")
	resp.Body.Close()
	resp = postAlert(t, srv, testAPIKey, "f-2", "cache:miss")
	resp.Body.Close()

	list, err := srv.Client().Get(srv.URL + "/api/v1/incidents?status=open")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer list.Body.Close()
	var body struct {
		Items []store.Incident `json:"items"`
	}
	if err := json.NewDecoder(list.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(body.Items))
	}
}

func TestDeliveredCallback(t *testing.T) {
	srv := newTestServer(t)

	resp := postAlert(t, srv, testAPIKey, "cb-1", "queue:lag")
	defer resp.Body.Close()
	var created struct {
		Incident store.Incident `json:"incident"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Callback for an unknown notification is a 404.
	missing, err := srv.Client().Post(srv.URL+"/api/v1/notifications/424242/delivered", "application/json", nil)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown notification: status %d", missing.StatusCode)
	}
}
