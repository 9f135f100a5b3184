// Package store owns the replicated desired-state record (PersistedState),
// the node-local usage record (PersistedUsage), and the deterministic,
// pure Apply function that the Raft state machine drives. Apply never
// touches the clock, RNG, or the filesystem — all of that happens in the
// command-payload builders (builders.go) before a command is submitted,
// and in the persistence helpers (persist.go) after Apply returns.
package store

import (
	"github.com/edgenode/xp/pkg/types"
)

// SchemaVersion is the current PersistedState/PersistedUsage format. Bump
// it and add a migration step in migrate.go whenever the shape changes.
const SchemaVersion = 1

// EndpointProbeHistory is per-endpoint probe history, keyed by hour bucket
// (RFC3339 hour boundary) then by reporting node_id.
type EndpointProbeHistory struct {
	Hours map[string]EndpointProbeHour `json:"hours"`
}

// EndpointProbeHour holds one endpoint's samples for one hour, one per
// reporting node.
type EndpointProbeHour struct {
	ByNode map[string]types.EndpointProbeSample `json:"by_node"`
}

// UserNodeQuotaConfig is the per-(user,node) override stored inside
// PersistedState.UserNodeQuotas. QuotaLimitBytes is a pointer because an
// override can exist purely to pin QuotaResetSource without capping bytes.
type UserNodeQuotaConfig struct {
	QuotaLimitBytes  *uint64                `json:"quota_limit_bytes,omitempty"`
	QuotaResetSource types.QuotaResetSource `json:"quota_reset_source"`
}

// PersistedState is the full replicated desired-state record. It is
// map-of-maps, keyed by ID, per the index-keyed-ownership design note:
// deletions integrity-check by scanning the referencing map rather than
// following back-pointers.
type PersistedState struct {
	SchemaVersion        int                                        `json:"schema_version"`
	Nodes                map[string]types.Node                      `json:"nodes"`
	Endpoints            map[string]types.Endpoint                  `json:"endpoints"`
	EndpointProbeHistory map[string]*EndpointProbeHistory           `json:"endpoint_probe_history"`
	Users                map[string]types.User                      `json:"users"`
	Grants               map[string]types.Grant                     `json:"grants"`
	RealityDomains       []types.RealityDomain                      `json:"reality_domains"`
	UserNodeQuotas       map[string]map[string]UserNodeQuotaConfig   `json:"user_node_quotas"`
}

// Empty returns a fresh PersistedState at the current schema version.
func Empty() *PersistedState {
	return &PersistedState{
		SchemaVersion:        SchemaVersion,
		Nodes:                map[string]types.Node{},
		Endpoints:            map[string]types.Endpoint{},
		EndpointProbeHistory: map[string]*EndpointProbeHistory{},
		Users:                map[string]types.User{},
		Grants:               map[string]types.Grant{},
		RealityDomains:       []types.RealityDomain{},
		UserNodeQuotas:       map[string]map[string]UserNodeQuotaConfig{},
	}
}

// Clone returns a deep copy, used by readers that must not observe
// concurrent mutation from the single writer (the state machine).
func (s *PersistedState) Clone() *PersistedState {
	out := &PersistedState{
		SchemaVersion:        s.SchemaVersion,
		Nodes:                make(map[string]types.Node, len(s.Nodes)),
		Endpoints:            make(map[string]types.Endpoint, len(s.Endpoints)),
		EndpointProbeHistory: make(map[string]*EndpointProbeHistory, len(s.EndpointProbeHistory)),
		Users:                make(map[string]types.User, len(s.Users)),
		Grants:               make(map[string]types.Grant, len(s.Grants)),
		RealityDomains:       make([]types.RealityDomain, len(s.RealityDomains)),
		UserNodeQuotas:       make(map[string]map[string]UserNodeQuotaConfig, len(s.UserNodeQuotas)),
	}
	for k, v := range s.Nodes {
		out.Nodes[k] = v
	}
	for k, v := range s.Endpoints {
		cp := v
		cp.Meta = append([]byte(nil), v.Meta...)
		out.Endpoints[k] = cp
	}
	for k, v := range s.EndpointProbeHistory {
		hc := &EndpointProbeHistory{Hours: make(map[string]EndpointProbeHour, len(v.Hours))}
		for hk, hv := range v.Hours {
			byNode := make(map[string]types.EndpointProbeSample, len(hv.ByNode))
			for nk, nv := range hv.ByNode {
				byNode[nk] = nv
			}
			hc.Hours[hk] = EndpointProbeHour{ByNode: byNode}
		}
		out.EndpointProbeHistory[k] = hc
	}
	for k, v := range s.Users {
		out.Users[k] = v
	}
	for k, v := range s.Grants {
		out.Grants[k] = v
	}
	copy(out.RealityDomains, s.RealityDomains)
	for k, v := range s.UserNodeQuotas {
		m := make(map[string]UserNodeQuotaConfig, len(v))
		for nk, nv := range v {
			m[nk] = nv
		}
		out.UserNodeQuotas[k] = m
	}
	return out
}

// PersistedUsage is the node-local (not replicated) grant usage record.
type PersistedUsage struct {
	SchemaVersion int                         `json:"schema_version"`
	Grants        map[string]types.GrantUsage `json:"grants"`
}

// EmptyUsage returns a fresh PersistedUsage at the current schema version.
func EmptyUsage() *PersistedUsage {
	return &PersistedUsage{SchemaVersion: SchemaVersion, Grants: map[string]types.GrantUsage{}}
}
