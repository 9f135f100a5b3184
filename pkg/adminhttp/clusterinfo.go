package adminhttp

import "github.com/edgenode/xp/pkg/raftcluster"

// RaftClusterInfoProvider implements ClusterInfoProvider directly off a
// *raftcluster.Cluster. leaderAPIBaseURL resolves the current Raft leader
// address to its api_base_url; it looks the leader up in the replicated
// node directory, so it can return "" before that node's record has
// replicated (e.g. moments after a fresh bootstrap).
type RaftClusterInfoProvider struct {
	Cluster          *raftcluster.Cluster
	LeaderAPIBaseURL func() string
}

// ClusterInfo implements ClusterInfoProvider.
func (p RaftClusterInfoProvider) ClusterInfo() ClusterInfo {
	role := RoleFollower
	if p.Cluster.IsLeader() {
		role = RoleLeader
	}

	leaderAPIBaseURL := ""
	if p.LeaderAPIBaseURL != nil {
		leaderAPIBaseURL = p.LeaderAPIBaseURL()
	}

	return ClusterInfo{
		ClusterID:        p.Cluster.ClusterID(),
		NodeID:           p.Cluster.NodeID(),
		Role:             role,
		LeaderAPIBaseURL: leaderAPIBaseURL,
		Term:             p.Cluster.Term(),
	}
}
