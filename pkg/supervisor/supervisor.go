package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
)

const (
	defaultInterval        = 15 * time.Second
	defaultFailsBeforeDown = 3
	defaultDownLogThrottle = 30 * time.Second
	defaultRestartCooldown = 60 * time.Second
)

// Options configures a Supervisor's probe cadence and restart gating
// (§4.6). The zero value is not usable; use NewOptions for the package
// defaults.
type Options struct {
	Interval        time.Duration
	FailsBeforeDown uint32
	ProbeTimeout    time.Duration
	DownLogThrottle time.Duration
	RestartCooldown time.Duration
	RestartTimeout  time.Duration
}

// NewOptions returns the §4.6 defaults, overridable field by field.
func NewOptions() Options {
	return Options{
		Interval:        defaultInterval,
		FailsBeforeDown: defaultFailsBeforeDown,
		ProbeTimeout:    defaultProbeTimeout,
		DownLogThrottle: defaultDownLogThrottle,
		RestartCooldown: defaultRestartCooldown,
		RestartTimeout:  defaultRestartTimeout,
	}
}

// Supervisor runs one service's probe-then-maybe-restart loop. Component
// names the service for logging and metrics ("xray", "cloudflared").
type Supervisor struct {
	component string
	prober    Prober
	restarter Restarter
	opts      Options
	onChange  func(Snapshot)

	handle *Handle
	logger zerolog.Logger

	// lastDownWarnAt/lastRestartAttemptAt are owned by the single loop
	// goroutine (or by direct Tick calls in tests, never both at once).
	lastDownWarnAt       time.Time
	lastRestartAttemptAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Supervisor. restarter may be nil (restart mode "none"):
// the loop then only ever probes. onChange, if non-nil, is invoked
// synchronously from the loop every time a probe flips status from Down
// to Up -- the proxy supervisor wires this to Reconciler.RequestFull.
func New(component string, prober Prober, restarter Restarter, opts Options, onChange func(Snapshot)) *Supervisor {
	return &Supervisor{
		component: component,
		prober:    prober,
		restarter: restarter,
		opts:      opts,
		onChange:  onChange,
		handle:    NewHandle(StatusUnknown),
		logger:    log.WithComponent("supervisor." + component),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Handle returns the Supervisor's health handle, shared with the runtime
// snapshot merger.
func (s *Supervisor) Handle() *Handle { return s.handle }

// Start begins the probe loop.
func (s *Supervisor) Start() { go s.run() }

// Stop signals the loop to exit and waits for it to do so.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs exactly one probe, updates the handle, and if the result is
// (still) Down and the restart cooldown has elapsed, invokes the
// restarter. Exported so tests can drive it without waiting on the
// ticker.
func (s *Supervisor) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	probeErr := s.prober.Probe(ctx)
	cancel()

	now := time.Now().UTC()
	recovered := false

	snap := s.handle.update(func(snap *Snapshot) {
		prev := snap.Status
		if probeErr == nil {
			snap.LastOKAt = now
			snap.ConsecutiveFailures = 0

			switch prev {
			case StatusDown:
				snap.Status = StatusUp
				snap.DownSince = time.Time{}
				snap.RecoveriesObserved++
				recovered = true
				s.logger.Info().Uint64("recoveries_observed", snap.RecoveriesObserved).Msg("recovered (down -> up)")
			case StatusUp:
				s.logger.Debug().Msg("probe ok")
			default:
				snap.Status = StatusUp
				s.logger.Info().Msg("became available")
			}
			s.lastDownWarnAt = time.Time{}
			return
		}

		snap.LastFailAt = now
		snap.ConsecutiveFailures++

		shouldMarkDown := snap.ConsecutiveFailures >= s.opts.FailsBeforeDown && prev != StatusDown
		if shouldMarkDown {
			snap.Status = StatusDown
			snap.DownSince = now
			s.logger.Warn().Uint32("consecutive_failures", snap.ConsecutiveFailures).Err(probeErr).Msg("marked down")
			s.lastDownWarnAt = time.Now()
			return
		}

		if snap.Status == StatusDown {
			nowMono := time.Now()
			shouldWarn := s.lastDownWarnAt.IsZero() || nowMono.Sub(s.lastDownWarnAt) >= s.opts.DownLogThrottle
			if shouldWarn {
				s.logger.Warn().Uint32("consecutive_failures", snap.ConsecutiveFailures).Err(probeErr).Msg("still down")
				s.lastDownWarnAt = nowMono
			} else {
				s.logger.Debug().Uint32("consecutive_failures", snap.ConsecutiveFailures).Err(probeErr).Msg("probe failed (throttled)")
			}
		} else {
			s.logger.Debug().Uint32("consecutive_failures", snap.ConsecutiveFailures).Err(probeErr).Msg("probe failed")
		}
	})

	metrics.SupervisorStatus.WithLabelValues(s.component).Set(statusMetricValue(snap.Status))

	if recovered && s.onChange != nil {
		s.onChange(snap)
	}

	if s.restarter == nil {
		return
	}

	canRestart := s.lastRestartAttemptAt.IsZero() || time.Since(s.lastRestartAttemptAt) >= s.opts.RestartCooldown
	if !canRestart || snap.Status != StatusDown {
		return
	}
	s.lastRestartAttemptAt = time.Now()

	restartCtx, restartCancel := context.WithTimeout(context.Background(), s.opts.RestartTimeout)
	restartErr := s.restarter.Restart(restartCtx)
	restartCancel()

	s.handle.update(func(snap *Snapshot) {
		snap.RestartAttempts++
		snap.LastRestartAt = time.Now().UTC()
		if restartErr != nil {
			snap.LastRestartFailAt = snap.LastRestartAt
		}
	})

	if restartErr != nil {
		metrics.SupervisorRestartsTotal.WithLabelValues(s.component, "failure").Inc()
		s.logger.Warn().Str("restarter", s.restarter.Name()).Err(restartErr).Msg("failed to request restart")
		return
	}
	metrics.SupervisorRestartsTotal.WithLabelValues(s.component, "success").Inc()
	s.logger.Info().Str("restarter", s.restarter.Name()).Msg("requested restart")
}

func statusMetricValue(status Status) float64 {
	switch status {
	case StatusUp:
		return 1
	case StatusDown:
		return 2
	default:
		return 0
	}
}
