package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
	SeverityHigh = "high"
)

type AuditEntry struct {
	ID           int64          `json:"id"`
	Action       string         `json:"action"`
	Severity     string         `json:"severity"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditStore is the audit sink. Callers treat it as fire-and-forget:
// a write failure is logged by the caller and never propagated.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

type auditStore struct {
	db *DB
}

func NewAuditStore(db *DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Log(ctx context.Context, entry AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("audit action is empty")
	}
	severity := strings.ToLower(strings.TrimSpace(entry.Severity))
	if severity == "" {
		severity = SeverityInfo
	}
	metaRaw := "{}"
	if len(entry.Metadata) > 0 {
		if b, err := json.Marshal(entry.Metadata); err == nil {
			metaRaw = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log(action, severity, resource_type, resource_id, metadata_json, created_at)
		VALUES(?,?,?,?,?,?)`,
		strings.TrimSpace(entry.Action), severity, strings.TrimSpace(entry.ResourceType),
		strings.TrimSpace(entry.ResourceID), metaRaw, time.Now().UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, severity, resource_type, resource_id, metadata_json, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metaRaw string
		if err := rows.Scan(&e.ID, &e.Action, &e.Severity, &e.ResourceType, &e.ResourceID, &metaRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if strings.TrimSpace(metaRaw) != "" && metaRaw != "{}" {
			_ = json.Unmarshal([]byte(metaRaw), &e.Metadata)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
