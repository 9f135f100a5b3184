package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgenode/xp/pkg/types"
)

// writeAtomic writes bytes to path via write-tmp, fsync, rename, so a
// crash mid-write never leaves a torn state.json or usage.json behind.
func writeAtomic(path string, bytes []byte) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, filepath.Base(path)+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(bytes); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadState reads state.json from dataDir, running it through the
// migration pipeline if it is behind SchemaVersion. A missing file
// returns a fresh Empty() state (first-node bootstrap).
func LoadState(dataDir string) (*PersistedState, error) {
	path := filepath.Join(dataDir, "state.json")
	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state.json: %w", err)
	}

	var raw PersistedState
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return nil, fmt.Errorf("decode state.json: %w", err)
	}
	return migrateState(&raw)
}

// SaveState writes state atomically to dataDir/state.json.
func SaveState(dataDir string, state *PersistedState) error {
	bytes, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state.json: %w", err)
	}
	return writeAtomic(filepath.Join(dataDir, "state.json"), bytes)
}

// LoadUsage reads usage.json from dataDir. A missing file returns a
// fresh EmptyUsage().
func LoadUsage(dataDir string) (*PersistedUsage, error) {
	path := filepath.Join(dataDir, "usage.json")
	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return EmptyUsage(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage.json: %w", err)
	}

	var usage PersistedUsage
	if err := json.Unmarshal(bytes, &usage); err != nil {
		return nil, fmt.Errorf("decode usage.json: %w", err)
	}
	if usage.Grants == nil {
		usage.Grants = map[string]types.GrantUsage{}
	}
	return &usage, nil
}

// SaveUsage writes usage atomically to dataDir/usage.json.
func SaveUsage(dataDir string, usage *PersistedUsage) error {
	bytes, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return fmt.Errorf("encode usage.json: %w", err)
	}
	return writeAtomic(filepath.Join(dataDir, "usage.json"), bytes)
}
