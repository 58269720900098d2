package store

import (
	"context"
	"strings"

	"kestrel-alert/core/utils"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT,
		push_token TEXT,
		chat_active INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS user_channel_prefs (
		user_id INTEGER NOT NULL,
		channel TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, channel),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS team_members (
		team_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (team_id, user_id)
	);`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS escalation_policies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		repeat_count INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS escalation_levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_id INTEGER NOT NULL,
		level_number INTEGER NOT NULL,
		target_type TEXT NOT NULL,
		target_id INTEGER NOT NULL,
		timeout_minutes INTEGER NOT NULL,
		FOREIGN KEY(policy_id) REFERENCES escalation_policies(id) ON DELETE CASCADE
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_escalation_levels_policy_level
		ON escalation_levels(policy_id, level_number);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority TEXT NOT NULL DEFAULT 'high',
		team_id INTEGER NOT NULL DEFAULT 0,
		policy_id INTEGER NOT NULL DEFAULT 0,
		assigned_user_id INTEGER,
		current_level INTEGER NOT NULL DEFAULT 0,
		current_repeat INTEGER NOT NULL DEFAULT 1,
		alert_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_escalated_at TIMESTAMP,
		acknowledged_at TIMESTAMP,
		resolved_at TIMESTAMP,
		closed_at TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_fingerprint_status
		ON incidents(fingerprint, status, created_at);`,
	`CREATE TABLE IF NOT EXISTS dedup_keys (
		fingerprint TEXT PRIMARY KEY,
		seq INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS incident_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id TEXT UNIQUE NOT NULL,
		incident_id INTEGER NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS escalation_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		job_id TEXT NOT NULL,
		scheduled_level INTEGER NOT NULL,
		scheduled_repeat INTEGER NOT NULL DEFAULT 1,
		scheduled_for TIMESTAMP NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		cancelled_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_escalation_jobs_incident_active
		ON escalation_jobs(incident_id, completed);`,
	`CREATE TABLE IF NOT EXISTS notification_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		provider_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP,
		delivered_at TIMESTAMP,
		failed_at TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_notification_logs_incident_user
		ON notification_logs(incident_id, user_id, channel);`,
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		run_at TIMESTAMP NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		backoff_base_sec INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_jobs_due
		ON queue_jobs(status, run_at, priority);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);`,
}

// dialectStatement adapts one DDL statement to the target driver. The
// schema is written in the sqlite dialect; only the auto-increment
// primary key form differs on postgres.
func dialectStatement(driver, stmt string) string {
	if driver != DriverPostgres {
		return stmt
	}
	return strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
}

func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, dialectStatement(db.Driver(), stmt)); err != nil {
			if logger != nil {
				logger.Errorf("store: migration %d failed: %v", i, err)
			}
			return err
		}
	}
	if logger != nil {
		logger.Infof("store: %d migration statements applied", len(migrations))
	}
	return nil
}
