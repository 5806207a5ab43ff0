package app

import (
	"strings"
	"time"

	"campaignq/internal/config"
	"campaignq/internal/dispatch"
	"campaignq/internal/httpapi"
	"campaignq/internal/notify"
	"campaignq/internal/storage"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"
)

// Mapping turns validated config sections into component configs. Durations
// were checked by config.Validate, so parse failures fall back to defaults.

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      sc.Driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: config.Duration(sc.BusyTimeout, time.Second),
		KeyPrefix:   strings.TrimSpace(sc.KeyPrefix),
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTuning(cfg *config.Config) dispatch.Tuning {
	return dispatch.Tuning{
		Concurrency:     cfg.Dispatch.Concurrency,
		DispatchTimeout: config.Duration(cfg.Dispatch.Timeout, 10*time.Second),
		ProgressEvery:   cfg.Dispatch.ProgressEvery,
	}
}

func mapNotifierConfig(cfg *config.Config) notify.Config {
	n := cfg.Notifier
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.Duration(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   config.Duration(n.RetryMaxDelay, 10*time.Second),
		SendTimeout:     config.Duration(n.SendTimeout, 10*time.Second),
		DedupWindow:     config.Duration(n.DedupWindow, 10*time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

// mapMailTypes returns nil (every type) when no filter is configured.
func mapMailTypes(types []string) map[notify.Type]bool {
	if len(types) == 0 {
		return nil
	}
	out := make(map[notify.Type]bool, len(types))
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out[notify.Type(t)] = true
		}
	}
	return out
}

func mapBrevoConfig(cfg *config.Config) transport.BrevoConfig {
	b := cfg.Transport.Brevo
	return transport.BrevoConfig{
		APIKey:      strings.TrimSpace(b.APIKey),
		SenderEmail: strings.TrimSpace(b.SenderEmail),
		SenderName:  strings.TrimSpace(b.SenderName),
		Endpoint:    strings.TrimSpace(b.Endpoint),
		Timeout:     config.Duration(b.Timeout, 15*time.Second),
	}
}

func mapBreakerConfig(cfg *config.Config) transport.BreakerConfig {
	b := cfg.Transport.Breaker
	return transport.BreakerConfig{
		Name:         cfg.Transport.Provider,
		MaxRequests:  b.MaxRequests,
		Interval:     config.Duration(b.Interval, time.Minute),
		Timeout:      config.Duration(b.Timeout, 30*time.Second),
		MinRequests:  b.MinRequests,
		FailureRatio: b.FailureRatio,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   config.Duration(h.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.Duration(h.WriteTimeout, 30*time.Second),
		IdleTimeout:   config.Duration(h.IdleTimeout, 60*time.Second),
	}
}

// cronLocation is housekeeping.timezone, else the quota zone.
func cronLocation(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Housekeeping.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	loc, err := cfg.Quota.Location()
	if err != nil {
		return time.Local
	}
	return loc
}
