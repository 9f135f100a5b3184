package raftcluster

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

func newTestFSM(t *testing.T) (*fsm, *store.Store) {
	t.Helper()
	s, err := store.LoadOrInit(t.TempDir())
	require.NoError(t, err)
	return newFSM(s), s
}

func applyLog(t *testing.T, f *fsm, cmd store.Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: data})
}

func TestFSMApplyUpsertNode(t *testing.T) {
	f, s := newTestFSM(t)

	node := types.Node{NodeID: "node-1", NodeName: "edge-1", AccessHost: "edge-1.example.com"}
	resp := applyLog(t, f, store.NewUpsertNode(node))

	result, ok := resp.(*store.ApplyResult)
	require.True(t, ok, "expected *store.ApplyResult, got %T", resp)
	assert.Equal(t, store.ResultApplied, result.Kind)

	got, found := s.GetNode("node-1")
	require.True(t, found)
	assert.Equal(t, "edge-1", got.NodeName)
}

func TestFSMApplyUnmarshalErrorDoesNotPanic(t *testing.T) {
	f, _ := newTestFSM(t)

	resp := f.Apply(&raft.Log{Data: []byte("not json")})
	err, ok := resp.(error)
	require.True(t, ok, "expected an error response, got %T", resp)
	assert.Contains(t, err.Error(), "unmarshal raft log entry")
}

func TestFSMApplyDomainErrorSurfacesAsResponse(t *testing.T) {
	f, _ := newTestFSM(t)

	resp := applyLog(t, f, store.NewDeleteNode("does-not-exist"))
	err, ok := resp.(error)
	require.True(t, ok, "expected an error response for deleting an absent node, got %T", resp)
	assert.Error(t, err)
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	f, s := newTestFSM(t)

	applyLog(t, f, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1"}))
	applyLog(t, f, store.NewUpsertNode(types.Node{NodeID: "node-2", NodeName: "edge-2"}))

	snap, err := f.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, snap.Persist(&fakeSnapshotSink{Buffer: &buf}))
	snap.Release()

	// Mutate further after the snapshot was taken.
	applyLog(t, f, store.NewDeleteNode("node-1"))
	if _, found := s.GetNode("node-1"); found {
		t.Fatal("node-1 should have been deleted before restore")
	}

	require.NoError(t, f.Restore(io.NopCloser(&buf)))

	_, found := s.GetNode("node-1")
	assert.True(t, found, "node-1 should reappear after restoring the pre-delete snapshot")
	_, found = s.GetNode("node-2")
	assert.True(t, found)
}

// fakeSnapshotSink is the minimal raft.SnapshotSink a unit test needs:
// an io.Writer plus the ID/Cancel/Close bookkeeping methods Persist calls.
type fakeSnapshotSink struct {
	*bytes.Buffer
}

func (s *fakeSnapshotSink) ID() string   { return "test-snapshot" }
func (s *fakeSnapshotSink) Cancel() error { return nil }
func (s *fakeSnapshotSink) Close() error  { return nil }
