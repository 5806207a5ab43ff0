package config

// Config is the whole service configuration. Files are JSON, YAML or TOML
// and are decoded strictly; environment variables override file values.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Quota        QuotaConfig        `json:"quota"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Transport    TransportConfig    `json:"transport"`
	Notifier     NotifierConfig     `json:"notifier"`
	Storage      StorageConfig      `json:"storage"`
	HTTP         HTTPConfig         `json:"http"`
	Logging      LoggingConfig      `json:"logging"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

// QuotaConfig sets the global sending limits. These values are the source of
// truth: limits persisted in the store are overwritten at startup and reload.
type QuotaConfig struct {
	HourlyLimit  int `json:"hourly_limit" env:"HOURLY_LIMIT"`
	DailyLimit   int `json:"daily_limit" env:"DAILY_LIMIT"`
	ThresholdPct int `json:"threshold_pct" env:"NOTIFICATION_THRESHOLD_PCT"`
	// Timezone anchors the hour and day windows. Empty means the process local zone.
	Timezone string `json:"timezone,omitempty" env:"QUOTA_TIMEZONE"`
}

// DispatchConfig controls the campaign runs.
//
// Defaults:
//   - concurrency: 1 (strict FIFO)
//   - timeout: "10s"
//   - progress_every: quota.hourly_limit
type DispatchConfig struct {
	Concurrency   int    `json:"concurrency,omitempty" env:"DISPATCH_CONCURRENCY"`
	Timeout       string `json:"timeout,omitempty" env:"DISPATCH_TIMEOUT"`
	ProgressEvery int    `json:"progress_every,omitempty" env:"PROGRESS_NOTIFY_EVERY"`
	AutoStart     bool   `json:"auto_start,omitempty" env:"AUTO_START"`
	ResumeOnBoot  bool   `json:"resume_on_boot,omitempty" env:"RESUME_ON_BOOT"`
}

// TransportConfig selects the delivery provider. "log" is a dry run.
type TransportConfig struct {
	Provider string        `json:"provider" env:"TRANSPORT_PROVIDER"`
	Brevo    BrevoConfig   `json:"brevo"`
	Breaker  BreakerConfig `json:"breaker"`
}

type BrevoConfig struct {
	APIKey      string `json:"api_key,omitempty" env:"BREVO_API_KEY"` // do not log
	SenderEmail string `json:"sender_email,omitempty" env:"BREVO_SENDER_EMAIL"`
	SenderName  string `json:"sender_name,omitempty" env:"BREVO_SENDER_NAME"`
	Endpoint    string `json:"endpoint,omitempty" env:"BREVO_ENDPOINT"`
	Timeout     string `json:"timeout,omitempty"`
}

type BreakerConfig struct {
	Enabled      bool    `json:"enabled"`
	MaxRequests  uint32  `json:"max_requests,omitempty"`
	Interval     string  `json:"interval,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	MinRequests  uint32  `json:"min_requests,omitempty"`
	FailureRatio float64 `json:"failure_ratio,omitempty"`
}

// NotifierConfig controls the async notification pipeline and its sinks.
// The bus, audit and log sinks are always attached; the others are enabled
// by setting their address.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	AMQP     AMQPSinkConfig     `json:"amqp"`
	Telegram TelegramSinkConfig `json:"telegram"`
	Mail     MailSinkConfig     `json:"mail"`
}

type AMQPSinkConfig struct {
	URL      string `json:"url,omitempty" env:"NOTIFY_AMQP_URL"` // do not log
	Exchange string `json:"exchange,omitempty"`
	Queue    string `json:"queue,omitempty"`
}

type TelegramSinkConfig struct {
	Token       string `json:"token,omitempty" env:"NOTIFY_TELEGRAM_TOKEN"` // do not log
	ChatID      int64  `json:"chat_id,omitempty" env:"NOTIFY_TELEGRAM_CHAT_ID"`
	ThreadID    int    `json:"thread_id,omitempty"`
	MinSeverity string `json:"min_severity,omitempty"`
}

// MailSinkConfig sends operator e-mails through the transport. These
// messages bypass the campaign quota.
type MailSinkConfig struct {
	To     []string `json:"to,omitempty" env:"NOTIFY_MAIL_TO" envSeparator:","`
	Types  []string `json:"types,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// StorageConfig selects the quota and queue journal backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./campaignq.db" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"STORAGE_DRIVER"`
	Path        string `json:"path,omitempty" env:"STORAGE_PATH"`
	DSN         string `json:"dsn,omitempty" env:"STORAGE_DSN"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

// HTTPConfig controls the control API.
//
// Security note:
//   - Prefer binding to localhost (the default).
//   - A non-loopback address needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" env:"HTTP_ADDR"`
	Token         string `json:"token,omitempty" env:"HTTP_TOKEN"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"LOG_LEVEL"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty" env:"LOG_JSON"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HousekeepingConfig schedules periodic maintenance with cron specs.
type HousekeepingConfig struct {
	// QuotaRefresh rolls expired windows even when nothing is sending. Default "@every 1m".
	QuotaRefresh string `json:"quota_refresh,omitempty"`
	// Timezone for cron specs. Empty follows quota.timezone.
	Timezone string `json:"timezone,omitempty"`
}
