package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// ConfigError lists every problem found in one configuration source.
type ConfigError struct {
	Source   string
	Problems []string
}

func (e *ConfigError) Error() string {
	src := e.Source
	if src == "" {
		src = "config"
	}
	return fmt.Sprintf("invalid %s: %s", src, strings.Join(e.Problems, "; "))
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Quota: QuotaConfig{HourlyLimit: 25, DailyLimit: 100, ThresholdPct: 80},
		Dispatch: DispatchConfig{
			Concurrency: 1,
			Timeout:     "10s",
		},
		Transport: TransportConfig{
			Brevo:   BrevoConfig{Timeout: "15s"},
			Breaker: BreakerConfig{Enabled: true, Interval: "1m", Timeout: "30s", MinRequests: 5, FailureRatio: 0.6},
		},
		Notifier: NotifierConfig{
			Enabled:         true,
			Workers:         1,
			QueueSize:       512,
			RatePerSec:      3,
			RetryMax:        3,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			SendTimeout:     "10s",
			DedupWindow:     "10m",
			DedupMaxEntries: 2000,
			Telegram:        TelegramSinkConfig{MinSeverity: "warning"},
			Mail:            MailSinkConfig{Types: []string{"campaign_started", "campaign_completed", "campaign_failed"}},
		},
		Storage: StorageConfig{Driver: "file", Path: "./campaignq_data"},
		HTTP:    HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080", ReadTimeout: "10s", WriteTimeout: "30s", IdleTimeout: "60s"},
		Logging: LoggingConfig{Level: "info", Console: true},
		Housekeeping: HousekeepingConfig{
			QuotaRefresh: "@every 1m",
		},
	}
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored and variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (optional), applies environment overrides and validates.
// Every failure is a *ConfigError.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Source: path, Problems: []string{err.Error()}}
		}
		if err := Decode(path, b, cfg); err != nil {
			return nil, &ConfigError{Source: path, Problems: []string{err.Error()}}
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, &ConfigError{Source: "environment", Problems: []string{err.Error()}}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) && path != "" {
			ce.Source = path
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Transport.Provider = strings.ToLower(strings.TrimSpace(c.Transport.Provider))
	if c.Transport.Provider == "" {
		c.Transport.Provider = "log"
		if strings.TrimSpace(c.Transport.Brevo.APIKey) != "" {
			c.Transport.Provider = "brevo"
		}
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 1
	}
}

var (
	validLevels    = map[string]bool{"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validSeverity  = map[string]bool{"": true, "info": true, "success": true, "warning": true, "error": true}
	validDrivers   = map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true, "redis": true}
	validProviders = map[string]bool{"brevo": true, "log": true}
)

// Validate reports every problem at once as a *ConfigError.
func (c *Config) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if c.Quota.HourlyLimit < 0 {
		add("quota.hourly_limit: must be >= 0")
	}
	if c.Quota.DailyLimit < 0 {
		add("quota.daily_limit: must be >= 0")
	}
	if c.Quota.ThresholdPct < 1 || c.Quota.ThresholdPct > 100 {
		add("quota.threshold_pct: must be within 1..100")
	}
	if _, err := c.Quota.Location(); err != nil {
		add("quota.timezone: %v", err)
	}

	if c.Dispatch.Concurrency < 0 {
		add("dispatch.concurrency: must be >= 1")
	}
	if c.Dispatch.ProgressEvery < 0 {
		add("dispatch.progress_every: must be >= 0")
	}
	durations := map[string]string{
		"dispatch.timeout":           c.Dispatch.Timeout,
		"transport.brevo.timeout":    c.Transport.Brevo.Timeout,
		"transport.breaker.interval": c.Transport.Breaker.Interval,
		"transport.breaker.timeout":  c.Transport.Breaker.Timeout,
		"notifier.retry_base":        c.Notifier.RetryBase,
		"notifier.retry_max_delay":   c.Notifier.RetryMaxDelay,
		"notifier.send_timeout":      c.Notifier.SendTimeout,
		"notifier.dedup_window":      c.Notifier.DedupWindow,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"http.read_timeout":          c.HTTP.ReadTimeout,
		"http.write_timeout":         c.HTTP.WriteTimeout,
		"http.idle_timeout":          c.HTTP.IdleTimeout,
	}
	for field, raw := range durations {
		if _, err := ParseDuration(field, raw, 0); err != nil {
			add("%v", err)
		}
	}

	if !validProviders[c.Transport.Provider] {
		add("transport.provider: unknown provider %q", c.Transport.Provider)
	}
	if c.Transport.Provider == "brevo" {
		if strings.TrimSpace(c.Transport.Brevo.APIKey) == "" {
			add("transport.brevo.api_key: required (BREVO_API_KEY)")
		}
		if strings.TrimSpace(c.Transport.Brevo.SenderEmail) == "" {
			add("transport.brevo.sender_email: required (BREVO_SENDER_EMAIL)")
		}
	}
	if r := c.Transport.Breaker.FailureRatio; r < 0 || r > 1 {
		add("transport.breaker.failure_ratio: must be within 0..1")
	}

	if c.Notifier.Workers < 0 || c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 || c.Notifier.RetryMax < 0 {
		add("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	if !validSeverity[strings.ToLower(c.Notifier.Telegram.MinSeverity)] {
		add("notifier.telegram.min_severity: unknown severity %q", c.Notifier.Telegram.MinSeverity)
	}
	if c.Notifier.Telegram.Token != "" && c.Notifier.Telegram.ChatID == 0 {
		add("notifier.telegram.chat_id: required when a token is set")
	}

	if !validDrivers[c.Storage.Driver] {
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: required for driver %s", c.Storage.Driver)
		}
	case "postgres", "redis":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn: required for driver %s", c.Storage.Driver)
		}
	}

	if c.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(c.HTTP.Addr)); err != nil {
			add("http.addr: %v", err)
		}
	}
	if !validLevels[c.Logging.Level] {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	if spec := strings.TrimSpace(c.Housekeeping.QuotaRefresh); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("housekeeping.quota_refresh: %v", err)
		}
	}
	if tz := strings.TrimSpace(c.Housekeeping.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("housekeeping.timezone: %v", err)
		}
	}

	if len(p) == 0 {
		return nil
	}
	sort.Strings(p)
	return &ConfigError{Problems: p}
}

// Location returns the zone that anchors quota windows.
func (q QuotaConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(q.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Duration parses a field that already passed Validate.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDuration("", raw, def)
	if err != nil {
		return def
	}
	return d
}
