package config

import "time"

type AppConfig struct {
	DBDriver   string `yaml:"db_driver" env:"KESTREL_DB_DRIVER" env-default:"sqlite"`
	DBURL      string `yaml:"db_url" env:"KESTREL_DB_URL"`
	DBPath     string `yaml:"db_path" env:"KESTREL_DB_PATH" env-default:"data/kestrel.db"`
	ListenAddr string `yaml:"listen_addr" env:"KESTREL_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv     string `yaml:"app_env" env:"KESTREL_APP_ENV"`

	Dedup         DedupConfig         `yaml:"dedup"`
	Queue         QueueConfig         `yaml:"queue"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Chat          ChatConfig          `yaml:"chat"`
	Providers     ProvidersConfig     `yaml:"providers"`
}

type DedupConfig struct {
	WindowMinutes int `yaml:"window_minutes" env:"KESTREL_DEDUP_WINDOW_MINUTES" env-default:"15"`
}

type QueueConfig struct {
	Enabled         bool `yaml:"enabled" env:"KESTREL_QUEUE_ENABLED" env-default:"true"`
	PollIntervalSec int  `yaml:"poll_interval_sec" env:"KESTREL_QUEUE_POLL_INTERVAL_SEC" env-default:"1"`
	MaxConcurrent   int  `yaml:"max_concurrent" env:"KESTREL_QUEUE_MAX_CONCURRENT" env-default:"8"`
	ClaimBatch      int  `yaml:"claim_batch" env:"KESTREL_QUEUE_CLAIM_BATCH" env-default:"20"`
	LeaseSec        int  `yaml:"lease_sec" env:"KESTREL_QUEUE_LEASE_SEC" env-default:"300"`
}

type NotificationsConfig struct {
	MaxAttempts    int `yaml:"max_attempts" env:"KESTREL_NOTIFY_MAX_ATTEMPTS" env-default:"5"`
	BackoffBaseSec int `yaml:"backoff_base_sec" env:"KESTREL_NOTIFY_BACKOFF_BASE_SEC" env-default:"30"`
	ChatTimeoutSec int `yaml:"chat_timeout_sec" env:"KESTREL_NOTIFY_CHAT_TIMEOUT_SEC" env-default:"10"`
}

type EscalationConfig struct {
	ReconcileEnabled  bool   `yaml:"reconcile_enabled" env:"KESTREL_ESCALATION_RECONCILE_ENABLED" env-default:"true"`
	ReconcileSchedule string `yaml:"reconcile_schedule" env:"KESTREL_ESCALATION_RECONCILE_SCHEDULE" env-default:"@every 1h"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"KESTREL_ESCALATION_STALE_AFTER" env-default:"1h"`
}

type ChatConfig struct {
	BaseURL string `yaml:"base_url" env:"KESTREL_CHAT_BASE_URL" env-default:"https://api.telegram.org"`
	Token   string `yaml:"token" env:"KESTREL_CHAT_TOKEN"`
}

type ProvidersConfig struct {
	EmailEndpoint string `yaml:"email_endpoint" env:"KESTREL_PROVIDER_EMAIL_ENDPOINT"`
	PushEndpoint  string `yaml:"push_endpoint" env:"KESTREL_PROVIDER_PUSH_ENDPOINT"`
	SMSEndpoint   string `yaml:"sms_endpoint" env:"KESTREL_PROVIDER_SMS_ENDPOINT"`
	VoiceEndpoint string `yaml:"voice_endpoint" env:"KESTREL_PROVIDER_VOICE_ENDPOINT"`
	AuthToken     string `yaml:"auth_token" env:"KESTREL_PROVIDER_AUTH_TOKEN"`
}

func (c *AppConfig) EffectiveDedupWindow() int {
	if c == nil || c.Dedup.WindowMinutes <= 0 {
		return 15
	}
	return c.Dedup.WindowMinutes
}

func (c NotificationsConfig) EffectiveMaxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 5
	}
	return c.MaxAttempts
}

func (c NotificationsConfig) EffectiveBackoffBase() time.Duration {
	if c.BackoffBaseSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BackoffBaseSec) * time.Second
}
