package store

import (
	"fmt"

	"github.com/edgenode/xp/pkg/types"
)

// migrateState runs a pipeline of one-shot migrations until raw reaches
// SchemaVersion, or fails if raw is ahead of what this binary understands.
// This module starts the schema at version 1, so there are no steps yet;
// the switch is the hook point later migrations are added to — one case
// per version, never interleaved with command application.
func migrateState(raw *PersistedState) (*PersistedState, error) {
	if raw.SchemaVersion == 0 {
		// Freshly decoded from a state.json predating the field, or an
		// empty file: treat as the current version rather than guessing
		// at a migration that has never shipped.
		raw.SchemaVersion = SchemaVersion
	}
	if raw.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("state.json schema_version %d is newer than this binary supports (%d)", raw.SchemaVersion, SchemaVersion)
	}

	for raw.SchemaVersion < SchemaVersion {
		switch raw.SchemaVersion {
		default:
			return nil, fmt.Errorf("no migration path from schema_version %d", raw.SchemaVersion)
		}
	}

	if raw.Nodes == nil {
		raw.Nodes = map[string]types.Node{}
	}
	if raw.Endpoints == nil {
		raw.Endpoints = map[string]types.Endpoint{}
	}
	if raw.EndpointProbeHistory == nil {
		raw.EndpointProbeHistory = map[string]*EndpointProbeHistory{}
	}
	if raw.Users == nil {
		raw.Users = map[string]types.User{}
	}
	if raw.Grants == nil {
		raw.Grants = map[string]types.Grant{}
	}
	if raw.UserNodeQuotas == nil {
		raw.UserNodeQuotas = map[string]map[string]UserNodeQuotaConfig{}
	}
	return raw, nil
}
