package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campaignq/internal/config"
	"campaignq/internal/dispatch"
	"campaignq/internal/notify"
	"campaignq/internal/storage"
	"campaignq/internal/transport"
	logx "campaignq/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, dataDir string, hourly int) {
	t.Helper()
	body := fmt.Sprintf(`{
  "quota": {"hourly_limit": %d, "daily_limit": 100, "threshold_pct": 80, "timezone": "UTC"},
  "storage": {"driver": "file", "path": %q},
  "http": {"enabled": false},
  "logging": {"level": "error", "console": true}
}`, hourly, filepath.Join(dataDir, "campaignq"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	a, err := build(cfgPath, cfg, nil, logx.Nop())
	require.NoError(t, err)
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Stop(ctx)
}

func recipients(n int) []dispatch.Recipient {
	out := make([]dispatch.Recipient, n)
	for i := range out {
		out[i] = dispatch.Recipient{ID: fmt.Sprintf("r%d", i), Address: fmt.Sprintf("user%d@example.com", i)}
	}
	return out
}

func TestRunSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaignq.json")
	writeConfig(t, cfgPath, dir, 25)

	a := newTestApp(t, cfgPath)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	_, err := a.queue.Enqueue(ctx, dispatch.Campaign{ID: "c1", Subject: "hello"}, recipients(3))
	require.NoError(t, err)
	_, err = a.queue.Enqueue(ctx, dispatch.Campaign{ID: "c2", Subject: "later"}, recipients(2))
	require.NoError(t, err)
	require.NoError(t, a.sched.Start(ctx, "c1"))
	require.Eventually(t, func() bool {
		st, err := a.sched.State("c1")
		return err == nil && st == dispatch.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, ev := range a.notif.History() {
			if ev.Type == notify.CampaignCompleted {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	stopApp(t, a)

	b := newTestApp(t, cfgPath)
	require.NoError(t, b.Start(ctx))
	defer stopApp(t, b)

	assert.Equal(t, 3, b.queue.Snapshot("c1").Sent)
	assert.Equal(t, 2, b.queue.Snapshot("c2").Pending)
	st, err := b.limiter.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.DailyCount)
}

func TestReadLimits(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaignq.json")
	writeConfig(t, cfgPath, dir, 40)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	st, err := ReadLimits(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 40, st.HourlyLimit)
	assert.Equal(t, 100, st.DailyLimit)
	assert.True(t, st.CanSend)
}

func TestReadLimitsBesideRunningService(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaignq.json")
	writeConfig(t, cfgPath, dir, 25)

	a := newTestApp(t, cfgPath)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	_, err := a.queue.Enqueue(ctx, dispatch.Campaign{ID: "c1", Subject: "hello"}, recipients(3))
	require.NoError(t, err)
	require.NoError(t, a.sched.Start(ctx, "c1"))
	require.Eventually(t, func() bool {
		st, err := a.sched.State("c1")
		return err == nil && st == dispatch.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	st, err := ReadLimits(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 3, st.DailyCount)

	_, err = a.queue.Enqueue(ctx, dispatch.Campaign{ID: "c2", Subject: "later"}, recipients(2))
	require.NoError(t, err)
	stopApp(t, a)

	b := newTestApp(t, cfgPath)
	require.NoError(t, b.Start(ctx))
	defer stopApp(t, b)
	assert.Equal(t, 3, b.queue.Snapshot("c1").Sent)
	assert.Equal(t, 2, b.queue.Snapshot("c2").Pending)
}

func TestSecondServiceOnFileStoreIsRefused(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaignq.json")
	writeConfig(t, cfgPath, dir, 25)

	a := newTestApp(t, cfgPath)
	defer a.closeResources()

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	_, err = build(cfgPath, cfg, nil, logx.Nop())
	require.ErrorIs(t, err, storage.ErrLocked)
}

func TestConfigReloadAppliesLimits(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaignq.json")
	writeConfig(t, cfgPath, dir, 25)

	a := newTestApp(t, cfgPath)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	require.Eventually(t, func() bool {
		writeConfig(t, cfgPath, dir, 10)
		time.Sleep(50 * time.Millisecond)
		hourly, _ := a.limiter.Limits()
		return hourly == 10
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBuildTransport(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Transport.Provider = "log"
	tr, err := buildTransport(cfg, logx.Nop(), nopObserver{})
	require.NoError(t, err)
	res, err := tr.Send(context.Background(), transport.Message{ItemID: "i1", Address: "a@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	cfg.Transport.Provider = "brevo"
	_, err = buildTransport(cfg, logx.Nop(), nopObserver{})
	assert.Error(t, err, "brevo needs an api key")
}

func TestMapping(t *testing.T) {
	t.Parallel()
	assert.Nil(t, mapMailTypes(nil))
	assert.Equal(t, map[notify.Type]bool{notify.CampaignFailed: true}, mapMailTypes([]string{" Campaign_Failed ", ""}))

	cfg := config.Default()
	cfg.Quota.Timezone = "Europe/Berlin"
	assert.Equal(t, "Europe/Berlin", cronLocation(cfg).String())
	cfg.Housekeeping.Timezone = "UTC"
	assert.Equal(t, "UTC", cronLocation(cfg).String())

	tune := mapTuning(cfg)
	assert.Equal(t, 1, tune.Concurrency)
	assert.Equal(t, 10*time.Second, tune.DispatchTimeout)

	h := mapHTTPConfig(cfg)
	assert.Equal(t, "127.0.0.1:8080", h.Addr)
	assert.Equal(t, 30*time.Second, h.WriteTimeout)

	n := mapNotifierConfig(cfg)
	assert.Equal(t, 10*time.Minute, n.DedupWindow)
	assert.True(t, n.Enabled)
}

type nopObserver struct{}

func (nopObserver) ObserveSend(string, string, time.Duration) {}
