package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSummaryRules(t *testing.T) {
	up := func(status Status) map[string]ComponentStatus {
		return map[string]ComponentStatus{"a": {Snapshot: Snapshot{Status: status}}}
	}

	assert.Equal(t, SummaryUp, computeSummary(map[string]ComponentStatus{
		"a": {Snapshot: Snapshot{Status: StatusUp}},
		"b": {Snapshot: Snapshot{Status: StatusUp}},
	}))
	assert.Equal(t, SummaryDown, computeSummary(map[string]ComponentStatus{
		"a": {Snapshot: Snapshot{Status: StatusDown}},
		"b": {Snapshot: Snapshot{Status: StatusDown}},
	}))
	assert.Equal(t, SummaryDegraded, computeSummary(map[string]ComponentStatus{
		"a": {Snapshot: Snapshot{Status: StatusUp}},
		"b": {Snapshot: Snapshot{Status: StatusDown}},
	}))
	assert.Equal(t, SummaryUnknown, computeSummary(map[string]ComponentStatus{
		"a": {Snapshot: Snapshot{Status: StatusUnknown}},
		"b": {Snapshot: Snapshot{Status: StatusUp}},
	}))
	assert.Equal(t, SummaryUnknown, computeSummary(up(StatusDisabled)))
}

func TestApplyComponentRecordsStatusAndRestartEvents(t *testing.T) {
	dir := t.TempDir()
	rt := NewNodeRuntime(filepath.Join(dir, "service_runtime.json"), "node-1", true)

	rt.ApplyComponent("xray", Snapshot{Status: StatusUp})

	restartAt := time.Now().UTC()
	rt.ApplyComponent("xray", Snapshot{
		Status:          StatusDown,
		RestartAttempts: 1,
		LastRestartAt:   restartAt,
	})

	snap := rt.Snapshot(20)

	var sawStatusChanged, sawRestartRequested bool
	for _, e := range snap.Events {
		if e.Kind == EventStatusChanged && e.Component == "xray" {
			sawStatusChanged = true
		}
		if e.Kind == EventRestartRequested && e.Component == "xray" {
			sawRestartRequested = true
		}
	}
	assert.True(t, sawStatusChanged)
	assert.True(t, sawRestartRequested)
	assert.Len(t, snap.RecentSlots, slotWindow)
}

func TestPersistedStateIsRestored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service_runtime.json")

	rt := NewNodeRuntime(path, "node-1", false)
	rt.ApplyComponent("xray", Snapshot{Status: StatusDown})

	before := rt.Snapshot(10)
	require.NotEmpty(t, before.Events)

	restored := NewNodeRuntime(path, "node-1", false)
	after := restored.Snapshot(10)
	assert.NotEmpty(t, after.Events)
	assert.Equal(t, "node-1", after.NodeID)
	assert.Equal(t, StatusDown, after.findComponent("xray").Status)
}

func (s LocalSnapshot) findComponent(name string) Snapshot {
	for _, c := range s.Components {
		if c.Component == name {
			return c.Snapshot
		}
	}
	return Snapshot{}
}
