package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)

const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"
	IncidentClosed       = "closed"
)

const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

type Incident struct {
	ID              int64      `json:"id"`
	Fingerprint     string     `json:"fingerprint"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority"`
	TeamID          int64      `json:"team_id"`
	PolicyID        int64      `json:"policy_id"`
	AssignedUserID  *int64     `json:"assigned_user_id,omitempty"`
	CurrentLevel    int        `json:"current_level"`
	CurrentRepeat   int        `json:"current_repeat"`
	AlertCount      int        `json:"alert_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

func (i *Incident) Active() bool {
	return i != nil && (i.Status == IncidentOpen || i.Status == IncidentAcknowledged)
}

type IncidentAlert struct {
	ID          int64     `json:"id"`
	AlertID     string    `json:"alert_id"`
	IncidentID  int64     `json:"incident_id"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
}

type IncidentFilter struct {
	StatusIn    []string
	Fingerprint string
	Limit       int
	Offset      int
}

type IncidentsStore interface {
	// DeduplicateIncident runs the atomic find-or-create for one alert.
	// fresh carries the routing already resolved for the new-incident
	// branch; it is discarded when an active in-window incident exists.
	DeduplicateIncident(ctx context.Context, alert *IncidentAlert, fresh *Incident, windowMinutes int) (*Incident, bool, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	ListIncidentAlerts(ctx context.Context, incidentID int64) ([]IncidentAlert, error)

	// UpdateEscalationState persists an escalation advance. Rows are
	// matched only while the incident is still open; a settled incident
	// returns ErrConflict so the caller can treat the job as stale.
	UpdateEscalationState(ctx context.Context, id int64, level, repeat int, assignee *int64, at time.Time) error
	AcknowledgeIncident(ctx context.Context, id int64) (*Incident, error)
	ResolveIncident(ctx context.Context, id int64) (*Incident, error)
	CloseIncident(ctx context.Context, id int64) (*Incident, error)

	ListStaleOpenIncidents(ctx context.Context, olderThan time.Time) ([]Incident, error)
}

type incidentsStore struct {
	db *DB
}

func NewIncidentsStore(db *DB) IncidentsStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, fingerprint, title, status, priority, team_id, policy_id, assigned_user_id, current_level, current_repeat, alert_count, created_at, updated_at, last_escalated_at, acknowledged_at, resolved_at, closed_at`

func (s *incidentsStore) DeduplicateIncident(ctx context.Context, alert *IncidentAlert, fresh *Incident, windowMinutes int) (*Incident, bool, error) {
	if alert == nil || strings.TrimSpace(alert.AlertID) == "" {
		return nil, false, errors.New("alert id is empty")
	}
	fingerprint := ""
	if fresh != nil {
		fingerprint = strings.TrimSpace(fresh.Fingerprint)
	}
	if fingerprint == "" {
		return nil, false, errors.New("fingerprint is empty")
	}
	if windowMinutes <= 0 {
		return nil, false, errors.New("dedup window must be positive")
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	// The per-fingerprint upsert serializes concurrent dedup for the same
	// fingerprint: the loser blocks on the row lock until the winner
	// commits, then sees the winner's incident in the query below.
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO dedup_keys(fingerprint, seq)
		VALUES(?,1)
		ON CONFLICT (fingerprint)
		DO UPDATE SET seq = dedup_keys.seq + 1
		RETURNING seq
	`, fingerprint).Scan(&seq); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	since := now.Add(-time.Duration(windowMinutes) * time.Minute)
	row := tx.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE fingerprint=? AND status IN (?, ?) AND created_at>=?
		ORDER BY created_at DESC LIMIT 1`,
		fingerprint, IncidentOpen, IncidentAcknowledged, since)
	existing, err := scanIncidentRow(row)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if existing != nil {
		attached, err := attachAlertTx(ctx, tx, existing.ID, alert, now)
		if err != nil {
			tx.Rollback()
			return nil, false, err
		}
		if attached {
			existing.AlertCount++
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	created := *fresh
	created.Fingerprint = fingerprint
	if strings.TrimSpace(created.Status) == "" {
		created.Status = IncidentOpen
	}
	if strings.TrimSpace(created.Priority) == "" {
		created.Priority = PriorityHigh
	}
	if created.CurrentRepeat <= 0 {
		created.CurrentRepeat = 1
	}
	created.AlertCount = 1
	created.CreatedAt = now
	created.UpdatedAt = now
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO incidents(fingerprint, title, status, priority, team_id, policy_id, assigned_user_id, current_level, current_repeat, alert_count, created_at, updated_at, last_escalated_at, acknowledged_at, resolved_at, closed_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`,
		created.Fingerprint, strings.TrimSpace(created.Title), created.Status, created.Priority, created.TeamID, created.PolicyID, nullableID(created.AssignedUserID), created.CurrentLevel, created.CurrentRepeat, created.AlertCount, now, now, nil, nil, nil, nil).Scan(&created.ID); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if _, err := attachAlertTx(ctx, tx, created.ID, alert, now); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &created, false, nil
}

func attachAlertTx(ctx context.Context, tx *Tx, incidentID int64, alert *IncidentAlert, now time.Time) (bool, error) {
	payload := strings.TrimSpace(alert.PayloadJSON)
	if payload == "" {
		payload = "{}"
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO incident_alerts(alert_id, incident_id, payload_json, created_at)
		VALUES(?,?,?,?)
		ON CONFLICT (alert_id) DO NOTHING`,
		strings.TrimSpace(alert.AlertID), incidentID, payload, now)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Same alert id seen before: idempotent replay, no counter bump.
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE incidents SET alert_count=alert_count+1, updated_at=? WHERE id=?`,
		now, incidentID); err != nil {
		return false, err
	}
	alert.IncidentID = incidentID
	alert.CreatedAt = now
	return true, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	return scanIncidentRow(row)
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if len(filter.StatusIn) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(filter.StatusIn)), ",")
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders))
		for _, st := range filter.StatusIn {
			args = append(args, st)
		}
	}
	if strings.TrimSpace(filter.Fingerprint) != "" {
		clauses = append(clauses, "fingerprint=?")
		args = append(args, strings.TrimSpace(filter.Fingerprint))
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) ListIncidentAlerts(ctx context.Context, incidentID int64) ([]IncidentAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, incident_id, payload_json, created_at
		FROM incident_alerts WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []IncidentAlert
	for rows.Next() {
		var a IncidentAlert
		if err := rows.Scan(&a.ID, &a.AlertID, &a.IncidentID, &a.PayloadJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *incidentsStore) UpdateEscalationState(ctx context.Context, id int64, level, repeat int, assignee *int64, at time.Time) error {
	at = at.UTC()
	// (repeat, level) ordering: a restart cycle resets the level but bumps
	// the repeat, so staleness compares repeats first.
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET current_level=?, current_repeat=?, assigned_user_id=?, last_escalated_at=?, updated_at=?
		WHERE id=? AND status=? AND (current_repeat<? OR (current_repeat=? AND current_level<=?))`,
		level, repeat, nullableID(assignee), at, at, id, IncidentOpen, repeat, repeat, level)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *incidentsStore) AcknowledgeIncident(ctx context.Context, id int64) (*Incident, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status=?, acknowledged_at=?, updated_at=? WHERE id=? AND status=?`,
		IncidentAcknowledged, now, now, id, IncidentOpen)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetIncident(ctx, id)
}

func (s *incidentsStore) ResolveIncident(ctx context.Context, id int64) (*Incident, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status=?, resolved_at=?, updated_at=? WHERE id=? AND status IN (?, ?)`,
		IncidentResolved, now, now, id, IncidentOpen, IncidentAcknowledged)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetIncident(ctx, id)
}

func (s *incidentsStore) CloseIncident(ctx context.Context, id int64) (*Incident, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status=?, closed_at=?, updated_at=? WHERE id=? AND status!=?`,
		IncidentClosed, now, now, id, IncidentClosed)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetIncident(ctx, id)
}

func (s *incidentsStore) ListStaleOpenIncidents(ctx context.Context, olderThan time.Time) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status=? AND COALESCE(last_escalated_at, created_at)<?
		ORDER BY created_at ASC`,
		IncidentOpen, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(sc rowScanner) (Incident, error) {
	var inc Incident
	var assignee sql.NullInt64
	var lastEscalated, acked, resolved, closed sql.NullTime
	err := sc.Scan(&inc.ID, &inc.Fingerprint, &inc.Title, &inc.Status, &inc.Priority, &inc.TeamID, &inc.PolicyID,
		&assignee, &inc.CurrentLevel, &inc.CurrentRepeat, &inc.AlertCount,
		&inc.CreatedAt, &inc.UpdatedAt, &lastEscalated, &acked, &resolved, &closed)
	if err != nil {
		return inc, err
	}
	if assignee.Valid {
		inc.AssignedUserID = &assignee.Int64
	}
	if lastEscalated.Valid {
		inc.LastEscalatedAt = &lastEscalated.Time
	}
	if acked.Valid {
		inc.AcknowledgedAt = &acked.Time
	}
	if resolved.Valid {
		inc.ResolvedAt = &resolved.Time
	}
	if closed.Valid {
		inc.ClosedAt = &closed.Time
	}
	return inc, nil
}

func scanIncidentRow(row *sql.Row) (*Incident, error) {
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inc, nil
}

func scanIncidentRows(rows *sql.Rows) (Incident, error) {
	return scanIncident(rows)
}
