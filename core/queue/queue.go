// Package queue is the durable delayed job scheduler backing escalation
// timers and notification sends. Delivery is at-least-once: jobs are
// claimed with a conditional update, retried with exponential backoff,
// and consumers are expected to absorb duplicate or late firings.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"kestrel-alert/config"
	"kestrel-alert/core/store"
	"kestrel-alert/core/utils"
)

// ErrDiscard marks a handler outcome that must not be retried. The job is
// recorded done even though the handler declined to act.
var ErrDiscard = errors.New("queue: job discarded")

const EscalationJobName = "escalation:process"

type EscalationPayload struct {
	IncidentID   int64 `json:"incident_id"`
	ToLevel      int   `json:"to_level"`
	RepeatNumber int   `json:"repeat_number"`
}

type Options struct {
	Delay       time.Duration
	Attempts    int
	BackoffBase time.Duration
	Priority    int
}

type HandlerFunc func(ctx context.Context, job store.QueueJob) error

type Queue struct {
	cfg    config.QueueConfig
	store  store.QueueStore
	logger *utils.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	cancel   context.CancelFunc
	running  bool
	wg       sync.WaitGroup
	inFlight map[string]struct{}
	sem      chan struct{}
}

func New(cfg config.QueueConfig, qs store.QueueStore, logger *utils.Logger) *Queue {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		cfg:      cfg,
		store:    qs,
		logger:   logger,
		handlers: map[string]HandlerFunc{},
		inFlight: map[string]struct{}{},
		sem:      make(chan struct{}, maxConcurrent),
	}
}

func (q *Queue) Register(name string, handler HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

// Add enqueues a generic job. Returns the job id.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	job := &store.QueueJob{
		ID:             id.String(),
		Name:           name,
		PayloadJSON:    string(raw),
		RunAt:          time.Now().UTC().Add(opts.Delay),
		Priority:       opts.Priority,
		MaxAttempts:    attempts,
		BackoffBaseSec: int(opts.BackoffBase / time.Second),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// ScheduleEscalation enqueues a delayed escalation firing. The delay is
// converted to an absolute run time here, at schedule time.
func (q *Queue) ScheduleEscalation(ctx context.Context, incidentID int64, toLevel, repeatNumber int, delay time.Duration) (string, error) {
	return q.Add(ctx, EscalationJobName, EscalationPayload{
		IncidentID:   incidentID,
		ToLevel:      toLevel,
		RepeatNumber: repeatNumber,
	}, Options{Delay: delay, Attempts: 1})
}

// CancelEscalation cancels a queued job. Best effort: a job a worker has
// already claimed still fires.
func (q *Queue) CancelEscalation(ctx context.Context, jobID string) error {
	return q.store.CancelJob(ctx, jobID)
}

func (q *Queue) Start() {
	q.StartWithContext(context.Background())
}

func (q *Queue) StartWithContext(ctx context.Context) {
	if q == nil || !q.cfg.Enabled {
		return
	}
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.wg.Add(1)
	q.mu.Unlock()
	go q.loop(runCtx)
}

func (q *Queue) Stop() {
	_ = q.StopWithContext(context.Background())
}

func (q *Queue) StopWithContext(ctx context.Context) error {
	q.mu.Lock()
	if q.cancel == nil || !q.running {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	cancel()
	waitDone := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	interval := time.Duration(q.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.RunOnce(ctx, time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce claims and dispatches one batch of due jobs. Exposed so tests
// can drive the queue without the polling loop.
func (q *Queue) RunOnce(ctx context.Context, now time.Time) {
	// Jobs claimed by a worker that died stay in running; past the lease
	// they go back to queued so the claim below can pick them up again.
	if n, err := q.store.RequeueStale(ctx, now.Add(-q.leaseWindow())); err != nil {
		if q.logger != nil {
			q.logger.Errorf("queue: requeue stale jobs: %v", err)
		}
	} else if n > 0 && q.logger != nil {
		q.logger.Warnf("queue: requeued %d jobs past their lease", n)
	}
	jobs, err := q.store.ClaimDue(ctx, now, q.cfg.ClaimBatch)
	if err != nil {
		if q.logger != nil {
			q.logger.Errorf("queue: claim due jobs: %v", err)
		}
		return
	}
	for _, job := range jobs {
		if !q.acquireSlot(job.ID) {
			// No worker slot: push the claim back so the job is picked
			// up on a later tick instead of sitting in running forever.
			if err := q.store.RetryLater(ctx, job.ID, now, ""); err != nil && q.logger != nil {
				q.logger.Errorf("queue: requeue %s: %v", job.ID, err)
			}
			continue
		}
		q.wg.Add(1)
		go func(j store.QueueJob) {
			defer q.wg.Done()
			defer q.releaseSlot(j.ID)
			q.runJob(ctx, j)
		}(job)
	}
}

func (q *Queue) runJob(ctx context.Context, job store.QueueJob) {
	q.mu.Lock()
	handler, ok := q.handlers[job.Name]
	q.mu.Unlock()
	if !ok {
		if q.logger != nil {
			q.logger.Errorf("queue: no handler for %q, job %s failed", job.Name, job.ID)
		}
		_ = q.store.MarkFailed(ctx, job.ID, fmt.Sprintf("no handler for %q", job.Name))
		return
	}
	err := handler(ctx, job)
	switch {
	case err == nil, errors.Is(err, ErrDiscard):
		if markErr := q.store.MarkDone(ctx, job.ID); markErr != nil && q.logger != nil {
			q.logger.Errorf("queue: mark done %s: %v", job.ID, markErr)
		}
	case job.Attempts < job.MaxAttempts:
		runAt := time.Now().UTC().Add(backoffDelay(job.BackoffBaseSec, job.Attempts))
		if retryErr := q.store.RetryLater(ctx, job.ID, runAt, err.Error()); retryErr != nil && q.logger != nil {
			q.logger.Errorf("queue: retry %s: %v", job.ID, retryErr)
		}
	default:
		if q.logger != nil {
			q.logger.Warnf("queue: job %s (%s) exhausted after %d attempts: %v", job.ID, job.Name, job.Attempts, err)
		}
		if failErr := q.store.MarkFailed(ctx, job.ID, err.Error()); failErr != nil && q.logger != nil {
			q.logger.Errorf("queue: mark failed %s: %v", job.ID, failErr)
		}
	}
}

func (q *Queue) leaseWindow() time.Duration {
	if q.cfg.LeaseSec > 0 {
		return time.Duration(q.cfg.LeaseSec) * time.Second
	}
	return 5 * time.Minute
}

// backoffDelay doubles per completed attempt: base, 2x, 4x, ...
func backoffDelay(baseSec, attempts int) time.Duration {
	if baseSec <= 0 {
		return 0
	}
	delay := time.Duration(baseSec) * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}

func (q *Queue) acquireSlot(id string) bool {
	q.mu.Lock()
	if _, ok := q.inFlight[id]; ok {
		q.mu.Unlock()
		return false
	}
	q.inFlight[id] = struct{}{}
	sem := q.sem
	q.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return true
	default:
		q.mu.Lock()
		delete(q.inFlight, id)
		q.mu.Unlock()
		return false
	}
}

func (q *Queue) releaseSlot(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	sem := q.sem
	q.mu.Unlock()
	select {
	case <-sem:
	default:
	}
}
