package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type EscalationJob struct {
	ID              int64      `json:"id"`
	IncidentID      int64      `json:"incident_id"`
	JobID           string     `json:"job_id"`
	ScheduledLevel  int        `json:"scheduled_level"`
	ScheduledRepeat int        `json:"scheduled_repeat"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	Completed       bool       `json:"completed"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type EscalationJobsStore interface {
	// CreateJob supersedes any still-active job for the incident before
	// inserting, keeping at most one completed=0 row per incident.
	CreateJob(ctx context.Context, job *EscalationJob) (int64, error)
	CompleteJob(ctx context.Context, jobID string) error
	CancelActiveJobs(ctx context.Context, incidentID int64, at time.Time) ([]string, error)
	HasActiveJob(ctx context.Context, incidentID int64) (bool, error)
	ListJobs(ctx context.Context, incidentID int64) ([]EscalationJob, error)
}

type escalationJobsStore struct {
	db *DB
}

func NewEscalationJobsStore(db *DB) EscalationJobsStore {
	return &escalationJobsStore{db: db}
}

func (s *escalationJobsStore) CreateJob(ctx context.Context, job *EscalationJob) (int64, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE escalation_jobs SET completed=1 WHERE incident_id=? AND completed=0`,
		job.IncidentID); err != nil {
		tx.Rollback()
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO escalation_jobs(incident_id, job_id, scheduled_level, scheduled_repeat, scheduled_for, completed, cancelled_at, created_at)
		VALUES(?,?,?,?,?,0,NULL,?)
		RETURNING id`,
		job.IncidentID, strings.TrimSpace(job.JobID), job.ScheduledLevel, job.ScheduledRepeat, job.ScheduledFor.UTC(), now).Scan(&id); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	job.ID = id
	job.CreatedAt = now
	return id, nil
}

func (s *escalationJobsStore) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalation_jobs SET completed=1 WHERE job_id=? AND completed=0`,
		strings.TrimSpace(jobID))
	return err
}

func (s *escalationJobsStore) CancelActiveJobs(ctx context.Context, incidentID int64, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM escalation_jobs WHERE incident_id=? AND completed=0`, incidentID)
	if err != nil {
		return nil, err
	}
	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(jobIDs) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE escalation_jobs SET completed=1, cancelled_at=? WHERE incident_id=? AND completed=0`,
		at.UTC(), incidentID); err != nil {
		return nil, err
	}
	return jobIDs, nil
}

func (s *escalationJobsStore) HasActiveJob(ctx context.Context, incidentID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM escalation_jobs WHERE incident_id=? AND completed=0`, incidentID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *escalationJobsStore) ListJobs(ctx context.Context, incidentID int64) ([]EscalationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, job_id, scheduled_level, scheduled_repeat, scheduled_for, completed, cancelled_at, created_at
		FROM escalation_jobs WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EscalationJob
	for rows.Next() {
		var j EscalationJob
		var completed int
		var cancelled sql.NullTime
		if err := rows.Scan(&j.ID, &j.IncidentID, &j.JobID, &j.ScheduledLevel, &j.ScheduledRepeat, &j.ScheduledFor, &completed, &cancelled, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Completed = completed == 1
		if cancelled.Valid {
			j.CancelledAt = &cancelled.Time
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
