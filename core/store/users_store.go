package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type User struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      *string   `json:"phone,omitempty"`
	PushToken  *string   `json:"push_token,omitempty"`
	ChatActive bool      `json:"chat_active"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ChannelPref struct {
	UserID   int64  `json:"user_id"`
	Channel  string `json:"channel"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

type UsersStore interface {
	CreateUser(ctx context.Context, user *User) (int64, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	SetChannelPrefs(ctx context.Context, userID int64, prefs []ChannelPref) error
	ListChannelPrefs(ctx context.Context, userID int64) ([]ChannelPref, error)

	AddTeamMember(ctx context.Context, teamID, userID int64, position int) error
	ListTeamMembers(ctx context.Context, teamID int64) ([]int64, error)
}

type usersStore struct {
	db *DB
}

func NewUsersStore(db *DB) UsersStore {
	return &usersStore{db: db}
}

func (s *usersStore) CreateUser(ctx context.Context, user *User) (int64, error) {
	if user == nil || strings.TrimSpace(user.Name) == "" {
		return 0, errors.New("user name is empty")
	}
	now := time.Now().UTC()
	var phone, pushToken any
	if user.Phone != nil && strings.TrimSpace(*user.Phone) != "" {
		phone = strings.TrimSpace(*user.Phone)
	}
	if user.PushToken != nil && strings.TrimSpace(*user.PushToken) != "" {
		pushToken = strings.TrimSpace(*user.PushToken)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO users(name, email, phone, push_token, chat_active, active, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		RETURNING id`,
		strings.TrimSpace(user.Name), strings.TrimSpace(user.Email), phone, pushToken,
		boolToInt(user.ChatActive), boolToInt(user.Active), now, now).Scan(&id); err != nil {
		return 0, err
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return id, nil
}

func (s *usersStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, push_token, chat_active, active, created_at, updated_at
		FROM users WHERE id=?`, id)
	var u User
	var phone, pushToken sql.NullString
	var chatActive, active int
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &phone, &pushToken, &chatActive, &active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if phone.Valid && strings.TrimSpace(phone.String) != "" {
		v := phone.String
		u.Phone = &v
	}
	if pushToken.Valid && strings.TrimSpace(pushToken.String) != "" {
		v := pushToken.String
		u.PushToken = &v
	}
	u.ChatActive = chatActive == 1
	u.Active = active == 1
	return &u, nil
}

func (s *usersStore) SetChannelPrefs(ctx context.Context, userID int64, prefs []ChannelPref) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_channel_prefs WHERE user_id=?`, userID); err != nil {
		tx.Rollback()
		return err
	}
	for _, p := range prefs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_channel_prefs(user_id, channel, enabled, priority) VALUES(?,?,?,?)`,
			userID, strings.ToLower(strings.TrimSpace(p.Channel)), boolToInt(p.Enabled), p.Priority); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *usersStore) ListChannelPrefs(ctx context.Context, userID int64) ([]ChannelPref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, channel, enabled, priority
		FROM user_channel_prefs WHERE user_id=? ORDER BY priority ASC, channel ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ChannelPref
	for rows.Next() {
		var p ChannelPref
		var enabled int
		if err := rows.Scan(&p.UserID, &p.Channel, &enabled, &p.Priority); err != nil {
			return nil, err
		}
		p.Enabled = enabled == 1
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *usersStore) AddTeamMember(ctx context.Context, teamID, userID int64, position int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members(team_id, user_id, position) VALUES(?,?,?)
		ON CONFLICT (team_id, user_id) DO UPDATE SET position=excluded.position`,
		teamID, userID, position)
	return err
}

func (s *usersStore) ListTeamMembers(ctx context.Context, teamID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM team_members WHERE team_id=? ORDER BY position ASC, user_id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
