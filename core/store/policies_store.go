package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	TargetUser = "user"
	TargetTeam = "team"
)

type EscalationPolicy struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	RepeatCount int       `json:"repeat_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type EscalationLevel struct {
	ID             int64  `json:"id"`
	PolicyID       int64  `json:"policy_id"`
	LevelNumber    int    `json:"level_number"`
	TargetType     string `json:"target_type"`
	TargetID       int64  `json:"target_id"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

type PoliciesStore interface {
	CreatePolicy(ctx context.Context, policy *EscalationPolicy, levels []EscalationLevel) (int64, error)
	GetPolicy(ctx context.Context, id int64) (*EscalationPolicy, []EscalationLevel, error)
}

type policiesStore struct {
	db *DB
}

func NewPoliciesStore(db *DB) PoliciesStore {
	return &policiesStore{db: db}
}

func (s *policiesStore) CreatePolicy(ctx context.Context, policy *EscalationPolicy, levels []EscalationLevel) (int64, error) {
	if policy == nil || strings.TrimSpace(policy.Name) == "" {
		return 0, errors.New("policy name is empty")
	}
	if policy.RepeatCount <= 0 {
		policy.RepeatCount = 1
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var policyID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO escalation_policies(name, repeat_count, created_at) VALUES(?,?,?)
		RETURNING id`,
		strings.TrimSpace(policy.Name), policy.RepeatCount, now).Scan(&policyID); err != nil {
		tx.Rollback()
		return 0, err
	}
	for i := range levels {
		lvl := &levels[i]
		lvl.PolicyID = policyID
		if strings.TrimSpace(lvl.TargetType) == "" {
			lvl.TargetType = TargetUser
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escalation_levels(policy_id, level_number, target_type, target_id, timeout_minutes)
			VALUES(?,?,?,?,?)`,
			policyID, lvl.LevelNumber, strings.ToLower(strings.TrimSpace(lvl.TargetType)), lvl.TargetID, lvl.TimeoutMinutes); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	policy.ID = policyID
	policy.CreatedAt = now
	return policyID, nil
}

func (s *policiesStore) GetPolicy(ctx context.Context, id int64) (*EscalationPolicy, []EscalationLevel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, repeat_count, created_at FROM escalation_policies WHERE id=?`, id)
	var p EscalationPolicy
	if err := row.Scan(&p.ID, &p.Name, &p.RepeatCount, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, level_number, target_type, target_id, timeout_minutes
		FROM escalation_levels WHERE policy_id=? ORDER BY level_number ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var levels []EscalationLevel
	for rows.Next() {
		var lvl EscalationLevel
		if err := rows.Scan(&lvl.ID, &lvl.PolicyID, &lvl.LevelNumber, &lvl.TargetType, &lvl.TargetID, &lvl.TimeoutMinutes); err != nil {
			return nil, nil, err
		}
		levels = append(levels, lvl)
	}
	return &p, levels, rows.Err()
}
