package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campaignq/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets (API keys, tokens, DSNs, broker URLs) are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.hourly_limit", newCfg.Quota.HourlyLimit),
			logx.Int("quota.daily_limit", newCfg.Quota.DailyLimit),
			logx.Int("quota.threshold_pct", newCfg.Quota.ThresholdPct),
			logx.String("quota.timezone", newCfg.Quota.Timezone),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
			logx.Int("dispatch.progress_every", newCfg.Dispatch.ProgressEvery),
			logx.Bool("dispatch.auto_start", newCfg.Dispatch.AutoStart),
			logx.Bool("dispatch.resume_on_boot", newCfg.Dispatch.ResumeOnBoot),
		)
	}

	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.provider", newCfg.Transport.Provider),
			logx.Bool("transport.brevo.api_key_set", newCfg.Transport.Brevo.APIKey != ""),
			logx.String("transport.brevo.sender_email", newCfg.Transport.Brevo.SenderEmail),
			logx.Bool("transport.breaker.enabled", newCfg.Transport.Breaker.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := newCfg.Notifier
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.queue_size", n.QueueSize),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.String("notifier.dedup_window", n.DedupWindow),
			logx.Bool("notifier.amqp_set", n.AMQP.URL != ""),
			logx.Bool("notifier.telegram_set", n.Telegram.Token != ""),
			logx.Int("notifier.mail_recipients", len(n.Mail.To)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.String("housekeeping.quota_refresh", newCfg.Housekeeping.QuotaRefresh))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "transport":
			out = append(out, s)
		}
	}
	return out
}
