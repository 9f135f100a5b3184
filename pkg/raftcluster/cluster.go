package raftcluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
	"github.com/edgenode/xp/pkg/security"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/xperr"
)

// Config mirrors the teacher's manager.Config, minus the container-runtime
// fields this domain has no use for.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Cluster is the Raft facade: a single replicated command log backing
// pkg/store, plus the cluster CA that issues node certificates. Grounded
// on pkg/manager/manager.go's Manager, generalized from warren's
// container-orchestration FSM to pkg/store's proxy-control-plane one.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *fsm
	store *store.Store
	ca    *security.CertAuthority
}

// New loads (or initializes) the local store and CA, without starting
// Raft. Call Bootstrap or Join next.
func New(cfg Config) (*Cluster, error) {
	st, err := store.LoadOrInit(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	return &Cluster{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(st),
		store:    st,
		ca:       security.NewCertAuthority(),
	}, nil
}

// Store returns the underlying replicated state, for read-only access by
// pkg/reconciler, pkg/quota, and the admin HTTP interface.
func (c *Cluster) Store() *store.Store { return c.store }

// raftConfig builds a raft.Config tuned the same way as the teacher's
// Bootstrap/Join: faster heartbeat/election/lease timeouts than Raft's
// WAN-oriented defaults, appropriate for same-datacenter edge nodes.
func (c *Cluster) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (c *Cluster) startRaft(config *raft.Config) error {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	c.raft = r
	return nil
}

// Bootstrap starts a brand-new single-node cluster and initializes the
// cluster CA.
func (c *Cluster) Bootstrap(clusterID string) error {
	config := c.raftConfig()
	if err := c.startRaft(config); err != nil {
		return err
	}

	future := c.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: raft.ServerAddress(c.bindAddr)}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	if err := c.ca.Initialize(clusterID); err != nil {
		return fmt.Errorf("initialize cluster CA: %w", err)
	}
	if err := c.ca.SaveToDataDir(c.dataDir); err != nil {
		return fmt.Errorf("persist cluster CA: %w", err)
	}

	log.Logger.Info().Str("cluster_id", clusterID).Str("node_id", c.nodeID).Msg("bootstrapped cluster")
	return nil
}

// StartAsLearner starts this node's local Raft instance (addressed but not
// yet a cluster member) ahead of sending a join RPC to the leader. The
// leader's AddLearner call is what actually admits it to the
// configuration.
func (c *Cluster) StartAsLearner() error {
	return c.startRaft(c.raftConfig())
}

// LoadCAFromDataDir loads a previously-saved cluster CA from disk. A node
// that bootstraps or has completed a join calls this once the CA material
// (self-signed, or received from the leader during join) is on disk.
func (c *Cluster) LoadCAFromDataDir() error {
	return c.ca.LoadFromDataDir(c.dataDir)
}

// CA returns the cluster certificate authority.
func (c *Cluster) CA() *security.CertAuthority { return c.ca }

// AddLearner admits nodeID at address to the Raft configuration as a
// non-voting learner. Leader-only.
func (c *Cluster) AddLearner(nodeID, address string) error {
	if !c.IsLeader() {
		return &xperr.Error{Code: xperr.CodeUnavailable, Message: fmt.Sprintf("not the leader, current leader: %s", c.LeaderAddr())}
	}
	future := c.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add learner: %w", err)
	}
	return nil
}

// PromoteToVoter promotes a caught-up learner to full voting membership.
// Leader-only.
func (c *Cluster) PromoteToVoter(nodeID, address string) error {
	if !c.IsLeader() {
		return &xperr.Error{Code: xperr.CodeUnavailable, Message: fmt.Sprintf("not the leader, current leader: %s", c.LeaderAddr())}
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("promote to voter: %w", err)
	}
	return nil
}

// RemoveServer evicts a node from the Raft configuration. Leader-only.
func (c *Cluster) RemoveServer(nodeID string) error {
	if !c.IsLeader() {
		return &xperr.Error{Code: xperr.CodeUnavailable, Message: "not the leader"}
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current Raft membership.
func (c *Cluster) GetClusterServers() ([]raft.Server, error) {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get raft configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// LastIndex returns the Raft log's last index, the join-log index the
// promotion wait (§4.5 step 6, see promote.go) polls against.
func (c *Cluster) LastIndex() uint64 {
	return c.raft.LastIndex()
}

// AppliedIndex returns this node's applied index. hashicorp/raft does not
// expose a per-follower replication index through the public API, so the
// promotion wait treats the leader's own applied index catching up to the
// join's log index as the signal that the cluster as a whole (learner
// included, since it is the only straggler in a healthy small cluster)
// has replicated the join.
func (c *Cluster) AppliedIndex() uint64 {
	return c.raft.AppliedIndex()
}

func (c *Cluster) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the current Raft leader's server ID, the same value
// passed as nodeID to AddLearner/PromoteToVoter, so callers can look the
// leader up in the replicated node directory by NodeID. Empty if no
// leader is known.
func (c *Cluster) LeaderID() string {
	if c.raft == nil {
		return ""
	}
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// NodeID returns this node's Raft server ID.
func (c *Cluster) NodeID() string { return c.nodeID }

// Term returns this node's current Raft term, read from raft.Stats() since
// hashicorp/raft does not expose it through a typed accessor.
func (c *Cluster) Term() uint64 {
	if c.raft == nil {
		return 0
	}
	term, _ := strconv.ParseUint(c.raft.Stats()["term"], 10, 64)
	return term
}

// ClusterID returns the cluster identifier the CA was initialized or
// imported with, i.e. the root certificate's common name (see
// security.CertAuthority.Initialize). Empty if the CA isn't loaded yet.
func (c *Cluster) ClusterID() string {
	return c.ca.ClusterID()
}

// Metrics returns a watchable snapshot of Raft state, matching the shape
// of manager.GetRaftStats but also feeding the xp_raft_* gauges.
func (c *Cluster) Metrics() map[string]interface{} {
	if c.raft == nil {
		return nil
	}

	stats := map[string]interface{}{
		"state":          c.raft.State().String(),
		"last_log_index": c.raft.LastIndex(),
		"applied_index":  c.raft.AppliedIndex(),
		"leader":         c.LeaderAddr(),
	}

	peers := uint64(0)
	if servers, err := c.GetClusterServers(); err == nil {
		peers = uint64(len(servers))
	}
	stats["peers"] = peers

	if c.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftPeers.Set(float64(peers))
	metrics.RaftLogIndex.Set(float64(c.raft.LastIndex()))
	metrics.RaftAppliedIndex.Set(float64(c.raft.AppliedIndex()))

	return stats
}

// ClientWrite submits cmd to the Raft log and blocks until committed and
// applied, returning the FSM's ApplyResult. Grounded on Manager.Apply,
// generalized to return the store's ApplyResult rather than a bare error
// so callers (and a future admin HTTP adapter) can distinguish validation
// failures from unavailability.
func (c *Cluster) ClientWrite(cmd store.Command) (*store.ApplyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if c.raft == nil {
		return nil, &xperr.Error{Code: xperr.CodeUnavailable, Message: "raft not initialized"}
	}
	if c.raft.State() != raft.Leader {
		return nil, &xperr.Error{Code: xperr.CodeUnavailable, Message: fmt.Sprintf("not the leader, current leader: %s", c.LeaderAddr())}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	future := c.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply command: %w", err)
	}

	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case *store.ApplyResult:
		return resp, nil
	default:
		return nil, fmt.Errorf("unexpected raft apply response type %T", resp)
	}
}

// Shutdown gracefully stops the local Raft instance.
func (c *Cluster) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	future := c.raft.Shutdown()
	return future.Error()
}
