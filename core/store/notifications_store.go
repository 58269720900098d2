package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	NotificationQueued    = "queued"
	NotificationSending   = "sending"
	NotificationSent      = "sent"
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

type NotificationLog struct {
	ID           int64      `json:"id"`
	IncidentID   int64      `json:"incident_id"`
	UserID       int64      `json:"user_id"`
	Channel      string     `json:"channel"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ProviderID   string     `json:"provider_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

type NotificationsStore interface {
	CreateLog(ctx context.Context, incidentID, userID int64, channel string) (int64, error)
	GetLog(ctx context.Context, id int64) (*NotificationLog, error)
	ListForIncident(ctx context.Context, incidentID int64) ([]NotificationLog, error)
	ListForIncidentUser(ctx context.Context, incidentID, userID int64) ([]NotificationLog, error)
	FailedChannels(ctx context.Context, incidentID, userID int64) ([]string, error)

	MarkSending(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64, providerID string) error
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string) error
}

type notificationsStore struct {
	db *DB
}

func NewNotificationsStore(db *DB) NotificationsStore {
	return &notificationsStore{db: db}
}

func (s *notificationsStore) CreateLog(ctx context.Context, incidentID, userID int64, channel string) (int64, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return 0, errors.New("channel is empty")
	}
	now := time.Now().UTC()
	var id int64
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO notification_logs(incident_id, user_id, channel, status, attempt_count, provider_id, error, created_at, updated_at)
		VALUES(?,?,?,?,0,'','',?,?)
		RETURNING id`,
		incidentID, userID, channel, NotificationQueued, now, now).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *notificationsStore) GetLog(ctx context.Context, id int64) (*NotificationLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, user_id, channel, status, attempt_count, provider_id, error, created_at, updated_at, sent_at, delivered_at, failed_at
		FROM notification_logs WHERE id=?`, id)
	var l NotificationLog
	var sent, delivered, failed sql.NullTime
	if err := row.Scan(&l.ID, &l.IncidentID, &l.UserID, &l.Channel, &l.Status, &l.AttemptCount, &l.ProviderID, &l.Error, &l.CreatedAt, &l.UpdatedAt, &sent, &delivered, &failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if sent.Valid {
		l.SentAt = &sent.Time
	}
	if delivered.Valid {
		l.DeliveredAt = &delivered.Time
	}
	if failed.Valid {
		l.FailedAt = &failed.Time
	}
	return &l, nil
}

func (s *notificationsStore) listLogs(ctx context.Context, query string, args ...any) ([]NotificationLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []NotificationLog
	for rows.Next() {
		var l NotificationLog
		var sent, delivered, failed sql.NullTime
		if err := rows.Scan(&l.ID, &l.IncidentID, &l.UserID, &l.Channel, &l.Status, &l.AttemptCount, &l.ProviderID, &l.Error, &l.CreatedAt, &l.UpdatedAt, &sent, &delivered, &failed); err != nil {
			return nil, err
		}
		if sent.Valid {
			l.SentAt = &sent.Time
		}
		if delivered.Valid {
			l.DeliveredAt = &delivered.Time
		}
		if failed.Valid {
			l.FailedAt = &failed.Time
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *notificationsStore) ListForIncident(ctx context.Context, incidentID int64) ([]NotificationLog, error) {
	return s.listLogs(ctx, `
		SELECT id, incident_id, user_id, channel, status, attempt_count, provider_id, error, created_at, updated_at, sent_at, delivered_at, failed_at
		FROM notification_logs WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
}

func (s *notificationsStore) ListForIncidentUser(ctx context.Context, incidentID, userID int64) ([]NotificationLog, error) {
	return s.listLogs(ctx, `
		SELECT id, incident_id, user_id, channel, status, attempt_count, provider_id, error, created_at, updated_at, sent_at, delivered_at, failed_at
		FROM notification_logs WHERE incident_id=? AND user_id=? ORDER BY created_at ASC, id ASC`, incidentID, userID)
}

func (s *notificationsStore) FailedChannels(ctx context.Context, incidentID, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT channel FROM notification_logs
		WHERE incident_id=? AND user_id=? AND status=? ORDER BY channel ASC`,
		incidentID, userID, NotificationFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		res = append(res, ch)
	}
	return res, rows.Err()
}

// Terminal rows (delivered/failed) are never mutated: every transition
// below matches only the states it may move from.

func (s *notificationsStore) MarkSending(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	// A sent row is not re-enterable: a duplicate send job must not page
	// the channel again or walk the status backwards.
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_logs SET status=?, attempt_count=attempt_count+1, updated_at=?
		WHERE id=? AND status IN (?, ?)`,
		NotificationSending, now, id, NotificationQueued, NotificationSending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *notificationsStore) MarkSent(ctx context.Context, id int64, providerID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_logs SET status=?, provider_id=?, sent_at=?, updated_at=?
		WHERE id=? AND status=?`,
		NotificationSent, strings.TrimSpace(providerID), now, now, id, NotificationSending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *notificationsStore) MarkDelivered(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_logs SET status=?, delivered_at=?, updated_at=?
		WHERE id=? AND status IN (?, ?)`,
		NotificationDelivered, now, now, id, NotificationSent, NotificationSending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *notificationsStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_logs SET status=?, error=?, failed_at=?, updated_at=?
		WHERE id=? AND status NOT IN (?, ?)`,
		NotificationFailed, strings.TrimSpace(errText), now, now, id, NotificationDelivered, NotificationFailed)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}
