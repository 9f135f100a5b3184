package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenode/xp/pkg/supervisor"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default bind", func(c *Config) bool { return c.Bind == "0.0.0.0:7946" }},
		{"default data dir", func(c *Config) bool { return c.DataDir == "./data" }},
		{"default xray api addr", func(c *Config) bool { return c.XrayAPIAddr == "127.0.0.1:10085" }},
		{"default xray health interval", func(c *Config) bool { return c.XrayHealthIntervalSecs == 15*time.Second }},
		{"default xray restart mode", func(c *Config) bool { return c.XrayRestartMode == "none" }},
		{"default quota poll interval", func(c *Config) bool { return c.QuotaPollIntervalSecs == 60*time.Second }},
		{"default quota auto unban", func(c *Config) bool { return c.QuotaAutoUnban == true }},
		{"default probe engine bin", func(c *Config) bool { return c.ProbeEngineBin == "xray" }},
		{"default probe concurrency", func(c *Config) bool { return c.ProbeConcurrency == 4 }},
		{"default log level", func(c *Config) bool { return c.LogLevel == "info" }},
	}

	cfg, err := Load()
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(cfg))
		})
	}
}

func TestXraySupervisorOptionsOverridesOnlyRecognizedFields(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	defaults := supervisor.NewOptions()
	opts := cfg.XraySupervisorOptions()

	assert.Equal(t, cfg.XrayHealthIntervalSecs, opts.Interval)
	assert.Equal(t, cfg.XrayHealthFailsBeforeDown, opts.FailsBeforeDown)
	assert.Equal(t, cfg.XrayRestartCooldownSecs, opts.RestartCooldown)
	assert.Equal(t, cfg.XrayRestartTimeoutSecs, opts.RestartTimeout)
	// ProbeTimeout and DownLogThrottle aren't env-configurable; they keep
	// the package defaults.
	assert.Equal(t, defaults.ProbeTimeout, opts.ProbeTimeout)
	assert.Equal(t, defaults.DownLogThrottle, opts.DownLogThrottle)
}

func TestRestartModeParsingRejectsGarbage(t *testing.T) {
	cfg := &Config{XrayRestartMode: "bogus"}
	_, err := cfg.XrayRestartModeParsed()
	assert.Error(t, err)

	cfg.XrayRestartMode = "systemd"
	mode, err := cfg.XrayRestartModeParsed()
	require.NoError(t, err)
	assert.Equal(t, supervisor.RestartModeSystemd, mode)
}

func TestProbeOptionsReflectsConfig(t *testing.T) {
	cfg := &Config{ProbeEngineBin: "/usr/bin/xray", ProbeConcurrency: 8}
	opts := cfg.ProbeOptions()
	assert.Equal(t, "/usr/bin/xray", opts.EngineBin)
	assert.Equal(t, 8, opts.Concurrency)
}
