package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func configFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "campaignq.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestCheckConfig(t *testing.T) {
	p := configFile(t, "quota:\n  hourly_limit: 30\n  daily_limit: 120\nstorage:\n  driver: memory\n")
	out, err := run(t, "check-config", "-c", p)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: quota 30/h 120/day, storage memory, transport log")

	p = configFile(t, "quota:\n  hourly_limit: -1\n  threshold_pct: 0\n")
	out, err = run(t, "check-config", "-c", p)
	require.Error(t, err)
	assert.Contains(t, out, "quota.hourly_limit: must be >= 0")
	assert.Contains(t, out, "quota.threshold_pct")
}

func TestLimitsJSON(t *testing.T) {
	p := configFile(t, "quota:\n  hourly_limit: 30\n  daily_limit: 120\nstorage:\n  driver: memory\n")
	out, err := run(t, "limits", "--json", "-c", p)
	require.NoError(t, err)

	var st struct {
		HourlyLimit    int  `json:"hourly_limit"`
		DailyRemaining int  `json:"daily_remaining"`
		CanSend        bool `json:"can_send"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 30, st.HourlyLimit)
	assert.Equal(t, 120, st.DailyRemaining)
	assert.True(t, st.CanSend)
}

func TestLimitsTable(t *testing.T) {
	p := configFile(t, "quota:\n  hourly_limit: 0\n  daily_limit: 10\nstorage:\n  driver: memory\n")
	out, err := run(t, "limits", "-c", p)
	require.NoError(t, err)
	assert.Contains(t, out, "WINDOW")
	assert.Contains(t, out, "sending paused until the next reset")
}
