package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgenode/xp/pkg/engineadmin"
)

// Prober is one liveness check. It returns a non-nil error exactly when
// the supervised service should count as a probe failure.
type Prober interface {
	Probe(ctx context.Context) error
}

// statsClient is the subset of *engineadmin.Client the proxy engine
// probe drives.
type statsClient interface {
	GetStats(context.Context, *engineadmin.GetStatsRequest) (*engineadmin.GetStatsResponse, error)
}

// EngineProber probes the proxy engine with a cheap GetStats call. A
// NotFound response still counts as healthy -- the channel answered, it
// just doesn't know the named counter. Only Unavailable/DeadlineExceeded/
// Cancelled (the channel itself is unreachable) count as a failure.
type EngineProber struct {
	Client     statsClient
	CounterTag string
}

func (p *EngineProber) Probe(ctx context.Context) error {
	_, err := p.Client.GetStats(ctx, &engineadmin.GetStatsRequest{Name: p.CounterTag, Reset: false})
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return nil
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return err
	default:
		return nil
	}
}

// SystemdProbe checks a systemd unit's active state via "systemctl
// is-active --quiet". Used for the tunnel daemon supervisor when the
// node restarts it through systemd.
type SystemdProbe struct {
	Unit string
}

func (p *SystemdProbe) Probe(ctx context.Context) error {
	return runCommand(ctx, systemctlCandidates, "is-active", "--quiet", p.Unit)
}

// OpenrcProbe checks an OpenRC service's status via "rc-service <svc>
// status".
type OpenrcProbe struct {
	Service string
}

func (p *OpenrcProbe) Probe(ctx context.Context) error {
	return runCommand(ctx, rcServiceCandidates, p.Service, "status")
}

var (
	systemctlCandidates = []string{"/usr/bin/systemctl", "/bin/systemctl", "systemctl"}
	rcServiceCandidates = []string{"/sbin/rc-service", "/usr/sbin/rc-service", "rc-service"}
)

// runCommand tries each candidate binary in order (covering distros that
// install it under a different prefix), returning the first one found.
// A missing binary is skipped, not treated as a failure; everything else
// -- nonzero exit, timeout -- fails the probe/restart.
func runCommand(ctx context.Context, candidates []string, args ...string) error {
	var lastErr error
	for _, bin := range candidates {
		cmd := exec.CommandContext(ctx, bin, args...)
		err := cmd.Run()
		if err == nil {
			return nil
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			lastErr = err
			continue
		}
		return fmt.Errorf("%s: %w", bin, err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate binary found: %v", candidates)
	}
	return lastErr
}

// probeTimeout bounds a single probe call, matching §5's "gRPC probe
// <= 500ms" ceiling with headroom for the process-exec probes.
const defaultProbeTimeout = 800 * time.Millisecond
