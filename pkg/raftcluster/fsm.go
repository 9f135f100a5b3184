package raftcluster

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/edgenode/xp/pkg/store"
)

// fsm adapts pkg/store.Store to raft.FSM. Unlike the teacher's WarrenFSM,
// which held its own mutex and dispatched each Command.Op to a matching
// storage.Store method by hand, this FSM delegates both dispatch and
// locking entirely to store.Store.ApplyCommand — the switch lives in
// pkg/store/apply.go, next to the state it mutates.
type fsm struct {
	store *store.Store
}

func newFSM(s *store.Store) *fsm {
	return &fsm{store: s}
}

// Apply is called by Raft for every committed log entry. The return value
// becomes the Response() on the caller's ApplyFuture: either an
// *store.ApplyResult on success, or an error.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd store.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal raft log entry: %w", err)
	}

	result, err := f.store.ApplyCommand(cmd)
	if err != nil {
		return err
	}
	return &result
}

// Snapshot captures the full replicated state for Raft's periodic log
// compaction. Grounded on WarrenFSM.Snapshot's RLock-and-collect shape,
// simplified to a single Store.Snapshot call since pkg/store already
// knows how to clone its own state.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.store.Snapshot()}, nil
}

// Restore replaces the FSM's state wholesale from a snapshot, used when a
// follower is too far behind the leader's log to catch up entry by entry.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state store.PersistedState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decode raft snapshot: %w", err)
	}
	return f.store.RestoreSnapshot(&state)
}

// fsmSnapshot implements raft.FSMSnapshot. Grounded on WarrenSnapshot's
// Persist/Release shape.
type fsmSnapshot struct {
	state *store.PersistedState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	encoder := json.NewEncoder(sink)
	if err := encoder.Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode raft snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
