package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kestrel-alert/config"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

func newTestQueue(t *testing.T) (*Queue, store.QueueStore) {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "queue_test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	qs := store.NewQueueStore(db)
	q := New(config.QueueConfig{Enabled: true, PollIntervalSec: 1, MaxConcurrent: 4, ClaimBatch: 10}, qs, logger)
	return q, qs
}

func drain(t *testing.T, q *Queue, now time.Time) {
	t.Helper()
	q.RunOnce(context.Background(), now)
	// RunOnce dispatches into goroutines; wait for them to land.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		busy := len(q.inFlight)
		q.mu.Unlock()
		if busy == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func TestQueueRunsRegisteredHandler(t *testing.T) {
	q, qs := newTestQueue(t)
	var mu sync.Mutex
	var seen []string
	q.Register("test:echo", func(ctx context.Context, job store.QueueJob) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.PayloadJSON)
		return nil
	})
	ctx := context.Background()
	id, err := q.Add(ctx, "test:echo", map[string]string{"k": "v"}, Options{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	drain(t, q, time.Now().UTC())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(seen))
	}
	job, err := qs.GetJob(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != store.JobDone {
		t.Fatalf("status = %s, want done", job.Status)
	}
}

func TestQueueDelayedJobNotClaimedEarly(t *testing.T) {
	q, qs := newTestQueue(t)
	q.Register("test:later", func(ctx context.Context, job store.QueueJob) error { return nil })
	ctx := context.Background()
	id, err := q.Add(ctx, "test:later", nil, Options{Delay: time.Hour})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	drain(t, q, time.Now().UTC())
	job, _ := qs.GetJob(ctx, id)
	if job.Status != store.JobQueued {
		t.Fatalf("delayed job ran early, status = %s", job.Status)
	}
	// At its fire time the job is claimable.
	drain(t, q, time.Now().UTC().Add(2*time.Hour))
	job, _ = qs.GetJob(ctx, id)
	if job.Status != store.JobDone {
		t.Fatalf("status = %s, want done", job.Status)
	}
}

func TestQueueRetriesWithBackoff(t *testing.T) {
	q, qs := newTestQueue(t)
	var calls int
	var mu sync.Mutex
	q.Register("test:flaky", func(ctx context.Context, job store.QueueJob) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	ctx := context.Background()
	id, err := q.Add(ctx, "test:flaky", nil, Options{Attempts: 3, BackoffBase: time.Minute})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	now := time.Now().UTC()
	drain(t, q, now)
	job, _ := qs.GetJob(ctx, id)
	if job.Status != store.JobQueued || job.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", job.Status, job.Attempts)
	}
	if !job.RunAt.After(now) {
		t.Fatalf("retry must be delayed, run_at=%s", job.RunAt)
	}
	drain(t, q, now.Add(2*time.Minute))
	job, _ = qs.GetJob(ctx, id)
	if job.Status != store.JobDone || job.Attempts != 2 {
		t.Fatalf("after retry: status=%s attempts=%d", job.Status, job.Attempts)
	}
}

func TestQueueExhaustedAttemptsFail(t *testing.T) {
	q, qs := newTestQueue(t)
	q.Register("test:doomed", func(ctx context.Context, job store.QueueJob) error {
		return errors.New("permanent")
	})
	ctx := context.Background()
	id, err := q.Add(ctx, "test:doomed", nil, Options{Attempts: 2, BackoffBase: time.Second})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	now := time.Now().UTC()
	drain(t, q, now)
	drain(t, q, now.Add(time.Minute))
	job, _ := qs.GetJob(ctx, id)
	if job.Status != store.JobFailed || job.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want failed/2", job.Status, job.Attempts)
	}
	if job.LastError == "" {
		t.Fatal("last error must be recorded")
	}
}

func TestQueueDiscardCountsAsDone(t *testing.T) {
	q, qs := newTestQueue(t)
	q.Register("test:discard", func(ctx context.Context, job store.QueueJob) error {
		return ErrDiscard
	})
	ctx := context.Background()
	id, err := q.Add(ctx, "test:discard", nil, Options{Attempts: 5})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	drain(t, q, time.Now().UTC())
	job, _ := qs.GetJob(ctx, id)
	if job.Status != store.JobDone {
		t.Fatalf("discarded job status = %s, want done", job.Status)
	}
}

func TestQueueCancelQueuedJob(t *testing.T) {
	q, qs := newTestQueue(t)
	ran := false
	q.Register(EscalationJobName, func(ctx context.Context, job store.QueueJob) error {
		ran = true
		return nil
	})
	ctx := context.Background()
	id, err := q.ScheduleEscalation(ctx, 1, 1, 1, time.Hour)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.CancelEscalation(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	drain(t, q, time.Now().UTC().Add(2*time.Hour))
	if ran {
		t.Fatal("cancelled job must not run")
	}
	job, _ := qs.GetJob(ctx, id)
	if job.Status != store.JobCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
}

func TestQueuePriorityOrdersClaims(t *testing.T) {
	_, qs := newTestQueue(t)
	var mu sync.Mutex
	var order []string
	// One worker slot and single-job batches force strict claim order.
	serial := New(config.QueueConfig{Enabled: true, PollIntervalSec: 1, MaxConcurrent: 1, ClaimBatch: 1}, qs, nil)
	serial.Register("test:prio", func(ctx context.Context, job store.QueueJob) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, job.PayloadJSON)
		return nil
	})
	ctx := context.Background()
	if _, err := serial.Add(ctx, "test:prio", "low", Options{Priority: 3}); err != nil {
		t.Fatalf("add low: %v", err)
	}
	if _, err := serial.Add(ctx, "test:prio", "critical", Options{Priority: 0}); err != nil {
		t.Fatalf("add critical: %v", err)
	}
	now := time.Now().UTC()
	drain(t, serial, now)
	drain(t, serial, now)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != `"critical"` || order[1] != `"low"` {
		t.Fatalf("order = %v", order)
	}
}

func TestQueueRequeuesStaleClaimedJob(t *testing.T) {
	q, qs := newTestQueue(t)
	var mu sync.Mutex
	ran := 0
	q.Register("test:orphaned", func(ctx context.Context, job store.QueueJob) error {
		mu.Lock()
		defer mu.Unlock()
		ran++
		return nil
	})
	ctx := context.Background()
	id, err := q.Add(ctx, "test:orphaned", nil, Options{Attempts: 3})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	// Claim the job the way a worker would, then never finish it: the
	// process holding the claim died.
	now := time.Now().UTC()
	claimed, err := qs.ClaimDue(ctx, now, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(claimed))
	}
	job, _ := qs.GetJob(ctx, id)
	if job.Status != store.JobRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	// Within the lease the claim is honored.
	drain(t, q, now.Add(time.Minute))
	job, _ = qs.GetJob(ctx, id)
	if job.Status != store.JobRunning {
		t.Fatalf("claim stolen inside lease, status = %s", job.Status)
	}
	// Past the lease the row goes back to queued and runs.
	drain(t, q, now.Add(10*time.Minute))
	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	job, _ = qs.GetJob(ctx, id)
	if job.Status != store.JobDone || job.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want done/2", job.Status, job.Attempts)
	}
}
