// Package config loads process configuration from the environment (§6),
// the same caarlos0/env-based pattern used throughout the pack for
// twelve-factor services.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/probe"
	"github.com/edgenode/xp/pkg/supervisor"
)

// Config holds every recognized XP_* environment variable (§6), plus the
// ambient logging knobs the recognized list is silent on.
type Config struct {
	// Cluster identity and transport.
	Bind       string `env:"XP_BIND" envDefault:"0.0.0.0:7946"`
	DataDir    string `env:"XP_DATA_DIR" envDefault:"./data"`
	NodeName   string `env:"XP_NODE_NAME"`
	AccessHost string `env:"XP_ACCESS_HOST"`
	APIBaseURL string `env:"XP_API_BASE_URL"`

	// Admin HTTP (adapter lives outside this module; the hash is needed
	// here because it's read from the same environment).
	AdminTokenHash string `env:"XP_ADMIN_TOKEN_HASH"`

	// Proxy engine supervisor.
	XrayAPIAddr               string        `env:"XP_XRAY_API_ADDR" envDefault:"127.0.0.1:10085"`
	XrayHealthIntervalSecs    time.Duration `env:"XP_XRAY_HEALTH_INTERVAL_SECS" envDefault:"15s"`
	XrayHealthFailsBeforeDown uint32        `env:"XP_XRAY_HEALTH_FAILS_BEFORE_DOWN" envDefault:"3"`
	XrayRestartMode           string        `env:"XP_XRAY_RESTART_MODE" envDefault:"none"`
	XrayRestartCooldownSecs   time.Duration `env:"XP_XRAY_RESTART_COOLDOWN_SECS" envDefault:"60s"`
	XrayRestartTimeoutSecs    time.Duration `env:"XP_XRAY_RESTART_TIMEOUT_SECS" envDefault:"30s"`

	// Tunnel daemon supervisor — same shape as the proxy engine's.
	CloudflaredHealthIntervalSecs    time.Duration `env:"XP_CLOUDFLARED_HEALTH_INTERVAL_SECS" envDefault:"15s"`
	CloudflaredHealthFailsBeforeDown uint32        `env:"XP_CLOUDFLARED_HEALTH_FAILS_BEFORE_DOWN" envDefault:"3"`
	CloudflaredRestartMode           string        `env:"XP_CLOUDFLARED_RESTART_MODE" envDefault:"none"`
	CloudflaredRestartCooldownSecs   time.Duration `env:"XP_CLOUDFLARED_RESTART_COOLDOWN_SECS" envDefault:"60s"`
	CloudflaredRestartTimeoutSecs    time.Duration `env:"XP_CLOUDFLARED_RESTART_TIMEOUT_SECS" envDefault:"30s"`

	// Quota controller.
	QuotaPollIntervalSecs time.Duration `env:"XP_QUOTA_POLL_INTERVAL_SECS" envDefault:"60s"`
	QuotaAutoUnban        bool          `env:"XP_QUOTA_AUTO_UNBAN" envDefault:"true"`

	// Endpoint probe runner (§4.7). XP_PROBE_SECRET and
	// XP_ENDPOINT_PROBE_XRAY_BIN are not in the recognized list in §6 but
	// are required by pkg/probe; see DESIGN.md.
	ProbeSecret      string `env:"XP_PROBE_SECRET"`
	ProbeEngineBin   string `env:"XP_ENDPOINT_PROBE_XRAY_BIN" envDefault:"xray"`
	ProbeConcurrency int    `env:"XP_ENDPOINT_PROBE_CONCURRENCY" envDefault:"4"`

	// Ambient logging, not itself a domain concern but carried the way
	// every pack service carries it.
	LogLevel string `env:"XP_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"XP_LOG_JSON" envDefault:"false"`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// LogConfig builds the pkg/log.Config this process should initialize
// logging with.
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}

// XraySupervisorOptions builds the supervisor.Options for the proxy
// engine supervisor, starting from the package defaults and overriding
// only the fields §6 exposes.
func (c *Config) XraySupervisorOptions() supervisor.Options {
	opts := supervisor.NewOptions()
	opts.Interval = c.XrayHealthIntervalSecs
	opts.FailsBeforeDown = c.XrayHealthFailsBeforeDown
	opts.RestartCooldown = c.XrayRestartCooldownSecs
	opts.RestartTimeout = c.XrayRestartTimeoutSecs
	return opts
}

// CloudflaredSupervisorOptions mirrors XraySupervisorOptions for the
// tunnel daemon supervisor.
func (c *Config) CloudflaredSupervisorOptions() supervisor.Options {
	opts := supervisor.NewOptions()
	opts.Interval = c.CloudflaredHealthIntervalSecs
	opts.FailsBeforeDown = c.CloudflaredHealthFailsBeforeDown
	opts.RestartCooldown = c.CloudflaredRestartCooldownSecs
	opts.RestartTimeout = c.CloudflaredRestartTimeoutSecs
	return opts
}

// XrayRestartModeParsed validates XrayRestartMode against the three
// recognized modes.
func (c *Config) XrayRestartModeParsed() (supervisor.RestartMode, error) {
	return supervisor.ParseRestartMode(c.XrayRestartMode)
}

// CloudflaredRestartModeParsed validates CloudflaredRestartMode against
// the three recognized modes.
func (c *Config) CloudflaredRestartModeParsed() (supervisor.RestartMode, error) {
	return supervisor.ParseRestartMode(c.CloudflaredRestartMode)
}

// ProbeOptions builds the probe.Options the endpoint probe runner should
// start with.
func (c *Config) ProbeOptions() probe.Options {
	return probe.Options{
		Concurrency: c.ProbeConcurrency,
		EngineBin:   c.ProbeEngineBin,
	}
}
