package store

import (
	"sync"

	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/types"
)

// Store is the single-writer, many-readers owner of PersistedState and
// PersistedUsage for this process. The Raft state machine is the only
// writer of state (via ApplyCommand, invoked from committed log entries);
// PersistedUsage is written directly by the quota controller and the
// probe runner, which are also serialized through Store's mutex.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	state   *PersistedState
	usage   *PersistedUsage
}

// LoadOrInit loads state.json/usage.json from dataDir, or starts from an
// empty state if this is the first run.
func LoadOrInit(dataDir string) (*Store, error) {
	state, err := LoadState(dataDir)
	if err != nil {
		return nil, err
	}
	usage, err := LoadUsage(dataDir)
	if err != nil {
		return nil, err
	}
	return &Store{dataDir: dataDir, state: state, usage: usage}, nil
}

// ApplyCommand applies cmd to the replicated state and persists the
// result. This is the only path by which PersistedState changes; it is
// invoked exclusively from the Raft FSM's Apply callback on a committed
// log entry (see pkg/raftcluster), never directly by an admin handler.
func (s *Store) ApplyCommand(cmd Command) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := Apply(s.state, cmd)
	if err != nil {
		// The entry still advances the Raft log; only the domain outcome
		// is an error. State is unchanged on error since Apply mutates
		// only after passing validation for every command above.
		return result, err
	}
	if saveErr := SaveState(s.dataDir, s.state); saveErr != nil {
		log.Logger.Error().Err(saveErr).Str("op", cmd.Op).Msg("failed to persist state.json after apply")
	}
	return result, nil
}

// Snapshot returns a deep copy of the current replicated state, safe for
// the caller to read or iterate without holding Store's lock.
func (s *Store) Snapshot() *PersistedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// RestoreSnapshot replaces the in-memory state wholesale (used by Raft
// snapshot restore on follower catch-up) and persists it.
func (s *Store) RestoreSnapshot(state *PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return SaveState(s.dataDir, s.state)
}

func (s *Store) GetNode(nodeID string) (types.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.state.Nodes[nodeID]
	return n, ok
}

func (s *Store) ListNodes() []types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Node, 0, len(s.state.Nodes))
	for _, n := range s.state.Nodes {
		out = append(out, n)
	}
	return out
}

func (s *Store) GetEndpoint(endpointID string) (types.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.Endpoints[endpointID]
	return e, ok
}

func (s *Store) ListEndpoints() []types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Endpoint, 0, len(s.state.Endpoints))
	for _, e := range s.state.Endpoints {
		out = append(out, e)
	}
	return out
}

// ListEndpointsByNode returns every endpoint owned by nodeID, the set the
// reconciler reconciles.
func (s *Store) ListEndpointsByNode(nodeID string) []types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []types.Endpoint{}
	for _, e := range s.state.Endpoints {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) GetUser(userID string) (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.Users[userID]
	return u, ok
}

func (s *Store) GetUserBySubscriptionToken(token string) (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.state.Users {
		if u.SubscriptionToken == token {
			return u, true
		}
	}
	return types.User{}, false
}

func (s *Store) ListUsers() []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.User, 0, len(s.state.Users))
	for _, u := range s.state.Users {
		out = append(out, u)
	}
	return out
}

func (s *Store) GetGrant(grantID string) (types.Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.state.Grants[grantID]
	return g, ok
}

func (s *Store) ListGrants() []types.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Grant, 0, len(s.state.Grants))
	for _, g := range s.state.Grants {
		out = append(out, g)
	}
	return out
}

// ListGrantsByUser returns every grant belonging to userID, the set the
// subscription renderer interface (pkg/adminhttp) would walk.
func (s *Store) ListGrantsByUser(userID string) []types.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []types.Grant{}
	for _, g := range s.state.Grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out
}

func (s *Store) ListRealityDomains() []types.RealityDomain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RealityDomain, len(s.state.RealityDomains))
	copy(out, s.state.RealityDomains)
	return out
}

// GetUserNodeQuota returns the per-(user,node) override, if one is set.
func (s *Store) GetUserNodeQuota(userID, nodeID string) (types.UserNodeQuota, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes, ok := s.state.UserNodeQuotas[userID]
	if !ok {
		return types.UserNodeQuota{}, false
	}
	cfg, ok := nodes[nodeID]
	if !ok {
		return types.UserNodeQuota{}, false
	}
	var limit uint64
	if cfg.QuotaLimitBytes != nil {
		limit = *cfg.QuotaLimitBytes
	}
	return types.UserNodeQuota{UserID: userID, NodeID: nodeID, QuotaLimitBytes: limit, QuotaResetSource: cfg.QuotaResetSource}, true
}

// GetGrantUsage returns the node-local usage record for a grant.
func (s *Store) GetGrantUsage(grantID string) (types.GrantUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage.Grants[grantID]
	return u, ok
}

// ApplyGrantUsageSample folds one traffic reading into grantID's usage
// record and persists usage.json.
func (s *Store) ApplyGrantUsageSample(grantID, cycleStartAt, cycleEndAt string, uplinkTotal, downlinkTotal uint64, seenAt string) (UsageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := ApplyGrantUsageSample(s.usage, grantID, cycleStartAt, cycleEndAt, uplinkTotal, downlinkTotal, seenAt)
	return snap, SaveUsage(s.dataDir, s.usage)
}

// SetQuotaBanned marks a grant banned and persists usage.json.
func (s *Store) SetQuotaBanned(grantID, bannedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	SetQuotaBanned(s.usage, grantID, bannedAt)
	return SaveUsage(s.dataDir, s.usage)
}

// ClearQuotaBanned un-bans a grant and persists usage.json.
func (s *Store) ClearQuotaBanned(grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ClearQuotaBanned(s.usage, grantID)
	return SaveUsage(s.dataDir, s.usage)
}

// ClearGrantUsageOnDelete drops a deleted grant's usage entry.
func (s *Store) ClearGrantUsageOnDelete(grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ClearGrantUsage(s.usage, grantID)
	return SaveUsage(s.dataDir, s.usage)
}

// EndpointProbeHistorySnapshot returns a clone of one endpoint's probe
// history, or nil if it has none.
func (s *Store) EndpointProbeHistorySnapshot(endpointID string) *EndpointProbeHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.state.EndpointProbeHistory[endpointID]
	if !ok {
		return nil
	}
	clone := &EndpointProbeHistory{Hours: make(map[string]EndpointProbeHour, len(h.Hours))}
	for hk, hv := range h.Hours {
		byNode := make(map[string]types.EndpointProbeSample, len(hv.ByNode))
		for nk, nv := range hv.ByNode {
			byNode[nk] = nv
		}
		clone.Hours[hk] = EndpointProbeHour{ByNode: byNode}
	}
	return clone
}
