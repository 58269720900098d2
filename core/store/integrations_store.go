package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Integration struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type IntegrationsStore interface {
	CreateIntegration(ctx context.Context, name, keyHash string) (int64, error)
	ListActiveIntegrations(ctx context.Context) ([]Integration, error)
	DeactivateIntegration(ctx context.Context, id int64) error
}

type integrationsStore struct {
	db *DB
}

func NewIntegrationsStore(db *DB) IntegrationsStore {
	return &integrationsStore{db: db}
}

func (s *integrationsStore) CreateIntegration(ctx context.Context, name, keyHash string) (int64, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(keyHash) == "" {
		return 0, errors.New("integration name or key hash is empty")
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO integrations(name, key_hash, active, created_at) VALUES(?,?,1,?)
		RETURNING id`,
		strings.TrimSpace(name), keyHash, time.Now().UTC()).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *integrationsStore) ListActiveIntegrations(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_hash, active, created_at FROM integrations WHERE active=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Integration
	for rows.Next() {
		var it Integration
		var active int
		if err := rows.Scan(&it.ID, &it.Name, &it.KeyHash, &active, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Active = active == 1
		res = append(res, it)
	}
	return res, rows.Err()
}

func (s *integrationsStore) DeactivateIntegration(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE integrations SET active=0 WHERE id=? AND active=1`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}
