package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	fail atomic.Bool
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("probe failed")
	}
	return nil
}

type countingRestarter struct {
	calls atomic.Int64
}

func (r *countingRestarter) Restart(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

func (r *countingRestarter) Name() string { return "test" }

func TestDownToUpTriggersOnChangeAndUpdatesSnapshot(t *testing.T) {
	prober := &scriptedProber{}
	prober.fail.Store(true)

	opts := NewOptions()
	opts.FailsBeforeDown = 1

	var onChangeCalls int
	var lastSnap Snapshot
	sv := New("xray", prober, nil, opts, func(s Snapshot) {
		onChangeCalls++
		lastSnap = s
	})

	sv.Tick()
	require.Equal(t, StatusDown, sv.Handle().Snapshot().Status)
	assert.Equal(t, 0, onChangeCalls)

	prober.fail.Store(false)
	sv.Tick()

	snap := sv.Handle().Snapshot()
	assert.Equal(t, StatusUp, snap.Status)
	assert.True(t, snap.DownSince.IsZero())
	assert.GreaterOrEqual(t, snap.RecoveriesObserved, uint64(1))

	assert.Equal(t, 1, onChangeCalls)
	assert.Equal(t, StatusUp, lastSnap.Status)
}

func TestRestartIsThrottledByCooldownWhileDown(t *testing.T) {
	prober := &scriptedProber{}
	prober.fail.Store(true)
	restarter := &countingRestarter{}

	opts := NewOptions()
	opts.FailsBeforeDown = 1
	opts.RestartCooldown = time.Hour
	opts.DownLogThrottle = time.Hour

	sv := New("xray", prober, restarter, opts, nil)

	sv.Tick()
	require.Equal(t, StatusDown, sv.Handle().Snapshot().Status)
	assert.Equal(t, int64(1), restarter.calls.Load())

	sv.Tick()
	sv.Tick()
	assert.Equal(t, int64(1), restarter.calls.Load())

	snap := sv.Handle().Snapshot()
	assert.Equal(t, uint64(1), snap.RestartAttempts)
}

func TestNoRestarterNeverRestarts(t *testing.T) {
	prober := &scriptedProber{}
	prober.fail.Store(true)

	opts := NewOptions()
	opts.FailsBeforeDown = 1
	sv := New("cloudflared", prober, nil, opts, nil)

	sv.Tick()
	sv.Tick()

	snap := sv.Handle().Snapshot()
	assert.Equal(t, StatusDown, snap.Status)
	assert.Equal(t, uint64(0), snap.RestartAttempts)
}
