package supervisor

import (
	"context"
	"fmt"
	"time"
)

// RestartMode selects how a supervisor restarts its service when it's
// found Down. It is shared between the proxy engine and tunnel daemon
// supervisors (XP_XRAY_RESTART_MODE / XP_CLOUDFLARED_RESTART_MODE), since
// both run under the same init systems.
type RestartMode string

const (
	RestartModeNone    RestartMode = "none"
	RestartModeSystemd RestartMode = "systemd"
	RestartModeOpenrc  RestartMode = "openrc"
)

// ParseRestartMode validates a raw env value against the three
// recognized modes.
func ParseRestartMode(raw string) (RestartMode, error) {
	switch RestartMode(raw) {
	case RestartModeNone, RestartModeSystemd, RestartModeOpenrc:
		return RestartMode(raw), nil
	default:
		return "", fmt.Errorf("invalid restart mode %q", raw)
	}
}

// Restarter asks the host to restart one service. Implementations never
// wait for the service to become healthy again -- the supervisor's probe
// loop is the sole source of truth for that.
type Restarter interface {
	Restart(ctx context.Context) error
	Name() string
}

// SystemdRestarter restarts a systemd unit.
type SystemdRestarter struct {
	Unit string
}

func (r *SystemdRestarter) Restart(ctx context.Context) error {
	return runCommand(ctx, systemctlCandidates, "restart", r.Unit)
}

func (r *SystemdRestarter) Name() string { return "systemd" }

// OpenrcRestarter restarts an OpenRC service, preferring doas over sudo
// to elevate (doas is the default on the Alpine-based images this runs
// under; sudo is the fallback for everything else).
type OpenrcRestarter struct {
	Service string
}

func (r *OpenrcRestarter) Restart(ctx context.Context) error {
	if err := runCommand(ctx, doasCandidates, "-n", "/sbin/rc-service", r.Service, "restart"); err == nil {
		return nil
	}
	return runCommand(ctx, sudoCandidates, "-n", "/sbin/rc-service", r.Service, "restart")
}

func (r *OpenrcRestarter) Name() string { return "openrc" }

var (
	doasCandidates = []string{"/usr/bin/doas", "/bin/doas", "doas"}
	sudoCandidates = []string{"/usr/bin/sudo", "/bin/sudo", "sudo"}
)

// RestarterFor and ProberFor build the Restarter/Prober pair for a given
// mode, or nil/a no-op for RestartModeNone. unit names the systemd unit
// or OpenRC service to act on.
func RestarterFor(mode RestartMode, unit string) Restarter {
	switch mode {
	case RestartModeSystemd:
		return &SystemdRestarter{Unit: unit}
	case RestartModeOpenrc:
		return &OpenrcRestarter{Service: unit}
	default:
		return nil
	}
}

func ServiceProberFor(mode RestartMode, unit string) Prober {
	switch mode {
	case RestartModeOpenrc:
		return &OpenrcProbe{Service: unit}
	default:
		return &SystemdProbe{Unit: unit}
	}
}

const defaultRestartTimeout = 10 * time.Second
