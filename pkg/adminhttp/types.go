package adminhttp

import (
	"context"

	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

// ClusterInfo is the body of GET /api/cluster/info.
type ClusterInfo struct {
	ClusterID        string `json:"cluster_id"`
	NodeID           string `json:"node_id"`
	Role             string `json:"role"` // "leader" or "follower"
	LeaderAPIBaseURL string `json:"leader_api_base_url"`
	Term             uint64 `json:"term"`
}

const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// ClusterInfoProvider is implemented by *raftcluster.Cluster plus
// whatever node-directory lookup resolves a leader's Raft address to its
// api_base_url (the cluster's own store.Store.ListNodes, keyed by the
// leader's node id).
type ClusterInfoProvider interface {
	ClusterInfo() ClusterInfo
}

// CommandWriter is the narrow slice of *raftcluster.Cluster an admin
// router needs to mutate state: submit one command, get back either the
// domain ApplyResult or a domain error to translate via FromDomainError.
// A follower implementation of this interface should instead signal the
// caller to redirect (see LeaderRedirectError).
type CommandWriter interface {
	ClientWrite(cmd store.Command) (*store.ApplyResult, error)
}

// LeaderRedirectError signals that a write landed on a follower; the
// admin router should respond 307 to LeaderAPIBaseURL rather than
// execute the command locally. Not a domain error itself, so it doesn't
// go through FromDomainError.
type LeaderRedirectError struct {
	LeaderAPIBaseURL string
}

func (e *LeaderRedirectError) Error() string {
	return "not the cluster leader; redirect to " + e.LeaderAPIBaseURL
}

// SubscriptionRenderer renders a user's subscription document (the
// v2ray/clash-style URI or YAML list of their endpoints) given their
// subscription token. Rendering itself — the URI schemes, YAML shape,
// template selection — is out of this module's scope; this interface
// only names the seam an out-of-scope renderer plugs into so the admin
// router can expose GET /sub/{token} without depending on that package.
type SubscriptionRenderer interface {
	Render(ctx context.Context, subscriptionToken string, format string) (body []byte, contentType string, err error)
}

// StoreReader is the read surface an admin router lists/gets resources
// through, narrowed from *store.Store to the listing methods a CRUD
// handler needs; mutations always go through CommandWriter instead so
// every write passes through Raft. *store.Store already satisfies this
// directly.
type StoreReader interface {
	ListNodes() []types.Node
	ListEndpoints() []types.Endpoint
	ListUsers() []types.User
	ListGrants() []types.Grant
	ListRealityDomains() []types.RealityDomain
}
