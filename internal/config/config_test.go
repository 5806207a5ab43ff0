package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "campaignq/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Quota.HourlyLimit)
	assert.Equal(t, 100, cfg.Quota.DailyLimit)
	assert.Equal(t, 80, cfg.Quota.ThresholdPct)
	assert.Equal(t, 1, cfg.Dispatch.Concurrency)
	assert.Equal(t, "log", cfg.Transport.Provider)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, 10*time.Second, Duration(cfg.Dispatch.Timeout, 0))
}

func TestDecodeFormats(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"c.json", `{"quota":{"hourly_limit":10,"daily_limit":40,"threshold_pct":90},"storage":{"driver":"memory"}}`},
		{"c.yaml", "quota:\n  hourly_limit: 10\n  daily_limit: 40\n  threshold_pct: 90\nstorage:\n  driver: memory\n"},
		{"c.toml", "[quota]\nhourly_limit = 10\ndaily_limit = 40\nthreshold_pct = 90\n\n[storage]\ndriver = \"memory\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tc.name, tc.body))
			require.NoError(t, err)
			assert.Equal(t, QuotaConfig{HourlyLimit: 10, DailyLimit: 40, ThresholdPct: 90}, cfg.Quota)
			assert.Equal(t, "memory", cfg.Storage.Driver)
			assert.Equal(t, "10s", cfg.Dispatch.Timeout, "omitted fields keep defaults")
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	for _, name := range []string{"c.json", "c.yaml", "c.toml"} {
		t.Run(name, func(t *testing.T) {
			body := map[string]string{
				"c.json": `{"quota":{"hourly_limt":10}}`,
				"c.yaml": "quota:\n  hourly_limt: 10\n",
				"c.toml": "[quota]\nhourly_limt = 10\n",
			}[name]
			_, err := Load(writeFile(t, name, body))
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, ce.Error(), "hourly_limt")
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("HOURLY_LIMIT", "7")
	t.Setenv("DISPATCH_TIMEOUT", "3s")
	t.Setenv("AUTO_START", "true")
	t.Setenv("NOTIFY_MAIL_TO", "ops@example.com,lead@example.com")
	t.Setenv("BREVO_API_KEY", "xkeysib-test")
	t.Setenv("BREVO_SENDER_EMAIL", "news@example.com")

	cfg, err := Load(writeFile(t, "c.json", `{"quota":{"hourly_limit":50,"daily_limit":200,"threshold_pct":80},"storage":{"driver":"memory"}}`))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Quota.HourlyLimit)
	assert.Equal(t, 200, cfg.Quota.DailyLimit)
	assert.Equal(t, "3s", cfg.Dispatch.Timeout)
	assert.True(t, cfg.Dispatch.AutoStart)
	assert.Equal(t, []string{"ops@example.com", "lead@example.com"}, cfg.Notifier.Mail.To)
	assert.Equal(t, "brevo", cfg.Transport.Provider, "an API key selects brevo")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Quota.HourlyLimit = -1
	cfg.Quota.ThresholdPct = 0
	cfg.Dispatch.Timeout = "-5s"
	cfg.Storage.Driver = "postgres"
	cfg.Transport.Provider = "brevo"
	cfg.normalize()

	err := cfg.Validate()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Problems, "quota.hourly_limit: must be >= 0")
	assert.Contains(t, ce.Problems, "quota.threshold_pct: must be within 1..100")
	assert.Contains(t, ce.Problems, "dispatch.timeout: must be >= 0")
	assert.Contains(t, ce.Problems, "storage.dsn: required for driver postgres")
	assert.Contains(t, ce.Problems, "transport.brevo.api_key: required (BREVO_API_KEY)")
}

func TestValidateAcceptsZeroLimits(t *testing.T) {
	cfg := Default()
	cfg.Quota.HourlyLimit, cfg.Quota.DailyLimit = 0, 0
	cfg.normalize()
	require.NoError(t, cfg.Validate())
}

func TestValidateCronAndTimezone(t *testing.T) {
	cfg := Default()
	cfg.Housekeeping.QuotaRefresh = "every minute"
	cfg.Quota.Timezone = "Mars/Olympus"
	cfg.normalize()
	var ce *ConfigError
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Len(t, ce.Problems, 2)
}

func TestLoadDotEnvIgnoresMissing(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	p := writeFile(t, ".env", "CAMPAIGNQ_DOTENV_TEST=from-file\n")
	t.Setenv("CAMPAIGNQ_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("CAMPAIGNQ_DOTENV_TEST"))
	require.NoError(t, LoadDotEnv(p))
	assert.Equal(t, "from-file", os.Getenv("CAMPAIGNQ_DOTENV_TEST"))
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Quota.HourlyLimit = 30
	b.Notifier.Mail.To = []string{"ops@example.com"}
	b.Storage.DSN = "postgres://secret"

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"notifier", "quota", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(a, Default())
	assert.Empty(t, changed)
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "c.json", `{"quota":{"hourly_limit":10,"daily_limit":40,"threshold_pct":80},"storage":{"driver":"memory"}}`)
	m := NewManager(p, logx.Nop())
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// An invalid file is rejected and the old config stays current.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"quota":{"hourly_limit":-1}}`), 0o644)
		time.Sleep(30 * time.Millisecond)
		return m.Get().Quota.HourlyLimit == 10
	}, 2*time.Second, 10*time.Millisecond)

	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"quota":{"hourly_limit":12,"daily_limit":40,"threshold_pct":80},"storage":{"driver":"memory"}}`), 0o644)
		select {
		case got = <-sub:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 12, got.Quota.HourlyLimit)
	assert.Equal(t, 12, m.Get().Quota.HourlyLimit)

	cancel()
	require.NoError(t, <-done)
	m.Unsubscribe(sub)
}
