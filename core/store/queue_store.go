package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

type QueueJob struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PayloadJSON    string    `json:"payload_json"`
	RunAt          time.Time `json:"run_at"`
	Priority       int       `json:"priority"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	BackoffBaseSec int       `json:"backoff_base_sec"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type QueueStore interface {
	Enqueue(ctx context.Context, job *QueueJob) error
	GetJob(ctx context.Context, id string) (*QueueJob, error)
	// ClaimDue flips due queued jobs to running one by one; a row another
	// worker claimed first is skipped, not an error.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]QueueJob, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	RetryLater(ctx context.Context, id string, runAt time.Time, lastError string) error
	CancelJob(ctx context.Context, id string) error
	// RequeueStale flips running rows whose claim is older than the
	// cutoff back to queued, so jobs held by a dead worker are retried.
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type queueStore struct {
	db *DB
}

func NewQueueStore(db *DB) QueueStore {
	return &queueStore{db: db}
}

const queueColumns = `id, name, payload_json, run_at, priority, attempts, max_attempts, backoff_base_sec, status, last_error, created_at, updated_at`

func (s *queueStore) Enqueue(ctx context.Context, job *QueueJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is empty")
	}
	if strings.TrimSpace(job.Name) == "" {
		return errors.New("job name is empty")
	}
	if strings.TrimSpace(job.PayloadJSON) == "" {
		job.PayloadJSON = "{}"
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	now := time.Now().UTC()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs(id, name, payload_json, run_at, priority, attempts, max_attempts, backoff_base_sec, status, last_error, created_at, updated_at)
		VALUES(?,?,?,?,?,0,?,?,?,'',?,?)`,
		strings.TrimSpace(job.ID), strings.TrimSpace(job.Name), job.PayloadJSON, job.RunAt.UTC(),
		job.Priority, job.MaxAttempts, job.BackoffBaseSec, JobQueued, now, now)
	if err != nil {
		return err
	}
	job.Status = JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (s *queueStore) GetJob(ctx context.Context, id string) (*QueueJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_jobs WHERE id=?`, strings.TrimSpace(id))
	var j QueueJob
	if err := row.Scan(&j.ID, &j.Name, &j.PayloadJSON, &j.RunAt, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.BackoffBaseSec, &j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (s *queueStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]QueueJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_jobs
		WHERE status=? AND run_at<=?
		ORDER BY priority ASC, run_at ASC
		LIMIT ?`, JobQueued, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var candidates []QueueJob
	for rows.Next() {
		var j QueueJob
		if err := rows.Scan(&j.ID, &j.Name, &j.PayloadJSON, &j.RunAt, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.BackoffBaseSec, &j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	var claimed []QueueJob
	for _, j := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_jobs SET status=?, attempts=attempts+1, updated_at=?
			WHERE id=? AND status=?`,
			JobRunning, now.UTC(), j.ID, JobQueued)
		if err != nil {
			return claimed, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		j.Status = JobRunning
		j.Attempts++
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *queueStore) MarkDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		JobDone, time.Now().UTC(), strings.TrimSpace(id), JobRunning)
	return err
}

func (s *queueStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, last_error=?, updated_at=? WHERE id=?`,
		JobFailed, strings.TrimSpace(lastError), time.Now().UTC(), strings.TrimSpace(id))
	return err
}

func (s *queueStore) RetryLater(ctx context.Context, id string, runAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, run_at=?, last_error=?, updated_at=? WHERE id=? AND status=?`,
		JobQueued, runAt.UTC(), strings.TrimSpace(lastError), time.Now().UTC(), strings.TrimSpace(id), JobRunning)
	return err
}

func (s *queueStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	// updated_at is touched on every claim, so it doubles as the lease
	// timestamp. Attempts stay counted against max_attempts.
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, updated_at=?
		WHERE status=? AND updated_at<?`,
		JobQueued, time.Now().UTC(), JobRunning, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *queueStore) CancelJob(ctx context.Context, id string) error {
	// Best effort: a job already claimed keeps running. Idempotency guards
	// downstream make its firing a no-op.
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		JobCancelled, time.Now().UTC(), strings.TrimSpace(id), JobQueued)
	return err
}
