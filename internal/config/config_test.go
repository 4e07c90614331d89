// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/loopguard/internal/dispatch"
	"github.com/traylinx/loopguard/internal/util"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loopguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.Threshold)
	assert.Equal(t, 300*time.Second, cfg.Window())
	assert.Equal(t, util.DefaultStateDir, cfg.StateDir)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.True(t, cfg.Memory.Enabled)
	assert.Equal(t, dispatch.TransportLog, cfg.Dispatch.Kind)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
}

func TestLoad_OptionalMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
threshold: 5
time-window: 10m
state-dir: /var/lib/loopguard
log-level: debug
telemetry:
  enabled: false
dispatch:
  transport: webhook
  webhook-url: https://hooks.example.com/loop
  webhook-secret: s3cret
  queue-size: 16
  timeout: 15
  policy: Count >= Threshold
memory:
  retention-days: 7
watch:
  file: /var/log/agents/errors_all.jsonl
  from-start: true
`)
	cfg, err := Load(path, false)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Threshold)
	assert.Equal(t, 10*time.Minute, cfg.Window())
	assert.Equal(t, "/var/lib/loopguard", cfg.StateDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "webhook", cfg.Dispatch.Kind)
	assert.Equal(t, "https://hooks.example.com/loop", cfg.Dispatch.WebhookURL)
	assert.Equal(t, "s3cret", cfg.Dispatch.WebhookSecret)
	assert.Equal(t, 16, cfg.Dispatch.QueueSize)
	assert.Equal(t, Duration(15*time.Second), cfg.Dispatch.Timeout)
	assert.Equal(t, "Count >= Threshold", cfg.Dispatch.Policy)
	assert.Equal(t, 7, cfg.Memory.RetentionDays)
	assert.True(t, cfg.Memory.Enabled, "absent keys keep their defaults")
	assert.True(t, cfg.Watch.FromStart)
}

func TestLoad_IntegerWindow(t *testing.T) {
	cfg, err := Load(writeConfig(t, "time-window: 120\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Window())
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "threshold: [1, 2\n"), false)
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "time-window: soon\n"), false)
	assert.Error(t, err)
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "  \n"), false)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "threshold: 5\ntime-window: 10m\nstate-dir: from-file\n"), false)
	require.NoError(t, err)

	err = cfg.applyEnv(mapLookup(map[string]string{
		EnvThreshold:     "7",
		EnvTimeWindow:    "90",
		util.EnvStateDir: "/tmp/state",
		util.EnvReadOnly: "1",
		EnvLogLevel:      "warn",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Threshold)
	assert.Equal(t, 90*time.Second, cfg.Window())
	assert.Equal(t, "/tmp/state", cfg.StateDir)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestApplyEnv_DurationString(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(mapLookup(map[string]string{EnvTimeWindow: "2m30s"})))
	assert.Equal(t, 150*time.Second, cfg.Window())
}

func TestApplyEnv_BlankValuesIgnored(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(mapLookup(map[string]string{EnvThreshold: "  ", util.EnvStateDir: ""})))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv_Invalid(t *testing.T) {
	for _, env := range []map[string]string{
		{EnvThreshold: "zero"},
		{EnvThreshold: "0"},
		{EnvTimeWindow: "-5"},
		{EnvTimeWindow: "eventually"},
		{EnvTimeWindow: "18446744074"},
	} {
		cfg := Default()
		assert.Error(t, cfg.applyEnv(mapLookup(env)), "%v", env)
	}
}

func TestApplyEnv_Process(t *testing.T) {
	t.Setenv(EnvThreshold, "4")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 4, cfg.Threshold)
}

func TestSanitize(t *testing.T) {
	cfg := &Config{
		Threshold:  0,
		TimeWindow: Duration(-time.Second),
		LogLevel:   " LOUD ",
	}
	cfg.Dispatch.Kind = " Webhook "
	cfg.Sanitize()

	assert.Equal(t, DefaultThreshold, cfg.Threshold)
	assert.Equal(t, DefaultTimeWindow, cfg.Window())
	assert.Equal(t, util.DefaultStateDir, cfg.StateDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "webhook", cfg.Dispatch.Kind)
	assert.Equal(t, dispatch.DefaultQueueSize, cfg.Dispatch.QueueSize)
	assert.Equal(t, 90, cfg.Memory.RetentionDays)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)

	var nilCfg *Config
	assert.NotPanics(t, func() { nilCfg.Sanitize() })
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"300":  300 * time.Second,
		"1.5":  1500 * time.Millisecond,
		"5m":   5 * time.Minute,
		" 1h ": time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuration("")
	assert.Error(t, err)

	for _, in := range []string{"18446744074", "9223372037", "-9223372037", "1e300", "NaN", "Inf", "-Inf"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}

	got, err := ParseDuration("9223372036")
	require.NoError(t, err)
	assert.Equal(t, 9223372036*time.Second, got)
}

func TestResolveFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	path, explicit := ResolveFile("")
	assert.Equal(t, DefaultConfigFile, path)
	assert.False(t, explicit)

	t.Setenv(EnvConfig, "/etc/loopguard.yaml")
	path, explicit = ResolveFile("")
	assert.Equal(t, "/etc/loopguard.yaml", path)
	assert.True(t, explicit)

	path, explicit = ResolveFile("./custom.yaml")
	assert.Equal(t, "./custom.yaml", path)
	assert.True(t, explicit)
}

func TestLoadDotEnv(t *testing.T) {
	const key = "LOOPGUARD_TEST_DOTENV_VALUE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=from-dotenv\n"), 0600))

	LoadDotEnv(dir)
	assert.Equal(t, "from-dotenv", os.Getenv(key))

	// Missing files are ignored.
	assert.NotPanics(t, func() { LoadDotEnv(t.TempDir()) })
}
