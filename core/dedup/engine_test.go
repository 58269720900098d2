package dedup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"kestrel-alert/config"
	"kestrel-alert/core/metrics"
	"kestrel-alert/core/routing"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

type recordingStarter struct {
	mu      sync.Mutex
	started []int64
}

func (r *recordingStarter) StartEscalation(ctx context.Context, incidentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, incidentID)
	return nil
}

func setupDedup(t *testing.T) (*Engine, *recordingStarter, *store.DB) {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "dedup_test.db")}
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
	policies := store.NewPoliciesStore(db)
	users := store.NewUsersStore(db)
	starter := &recordingStarter{}
	engine := NewEngine(incidents, policies, routing.NewStoreResolver(users), starter, store.NewAuditStore(db), metrics.NewCollector(), logger)
	return engine, starter, db
}

func TestProcessNewAlertStartsEscalation(t *testing.T) {
	engine, starter, _ := setupDedup(t)
	ctx := context.Background()

	res, err := engine.Process(ctx, Alert{
		AlertID:     "n-1",
		Fingerprint: "web:latency",
		Title:       "p99 over budget",
		Priority:    "critical",
		TeamID:      1,
		PolicyID:    1,
	}, 15)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.IsDuplicate {
		t.Fatal("first alert must not be a duplicate")
	}
	if res.Incident.Priority != store.PriorityCritical || res.Incident.Title != "p99 over budget" {
		t.Fatalf("incident = %+v", res.Incident)
	}
	if len(starter.started) != 1 || starter.started[0] != res.Incident.ID {
		t.Fatalf("escalation started for %v, want [%d]", starter.started, res.Incident.ID)
	}
}

func TestProcessDuplicateSkipsEscalation(t *testing.T) {
	engine, starter, _ := setupDedup(t)
	ctx := context.Background()

	alert := Alert{AlertID: "d-1", Fingerprint: "web:errors", TeamID: 1, PolicyID: 1}
	first, err := engine.Process(ctx, alert, 15)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	alert.AlertID = "d-2"
	second, err := engine.Process(ctx, alert, 15)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.IsDuplicate || second.Incident.ID != first.Incident.ID {
		t.Fatalf("second alert must join incident %d", first.Incident.ID)
	}
	if second.Incident.AlertCount != 2 {
		t.Fatalf("alert_count = %d, want 2", second.Incident.AlertCount)
	}
	if len(starter.started) != 1 {
		t.Fatalf("duplicate must not restart escalation, started=%v", starter.started)
	}
}

func TestProcessRejectsBadInput(t *testing.T) {
	engine, _, _ := setupDedup(t)
	ctx := context.Background()

	if _, err := engine.Process(ctx, Alert{AlertID: "x", Fingerprint: ""}, 15); err == nil {
		t.Fatal("empty fingerprint must fail")
	}
	if _, err := engine.Process(ctx, Alert{AlertID: "", Fingerprint: "f"}, 15); err == nil {
		t.Fatal("empty alert id must fail")
	}
	if _, err := engine.Process(ctx, Alert{AlertID: "x", Fingerprint: "f"}, 0); err == nil {
		t.Fatal("non-positive window must fail")
	}
}

func TestProcessConcurrentSameFingerprint(t *testing.T) {
	engine, starter, _ := setupDedup(t)
	ctx := context.Background()

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = engine.Process(ctx, Alert{
				AlertID:     "c-" + string(rune('a'+n)),
				Fingerprint: "db:replication",
				TeamID:      1,
				PolicyID:    1,
			}, 15)
		}(i)
	}
	wg.Wait()

	var incidentID int64
	creates := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if incidentID == 0 {
			incidentID = results[i].Incident.ID
		} else if results[i].Incident.ID != incidentID {
			t.Fatalf("worker %d hit incident %d, others %d", i, results[i].Incident.ID, incidentID)
		}
		if !results[i].IsDuplicate {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("exactly one worker must create, got %d", creates)
	}
	if len(starter.started) != 1 {
		t.Fatalf("escalation started %d times, want 1", len(starter.started))
	}
}
