package metrics

import (
	"time"

	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/types"
)

// Collector periodically samples the replicated store and Raft state onto
// the gauges declared in metrics.go, the same poll-tick-set shape the
// manager's original collector used against its FSM.
type Collector struct {
	cluster *raftcluster.Cluster
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector for cluster.
func NewCollector(cluster *raftcluster.Cluster) *Collector {
	return &Collector{
		cluster: cluster,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s, and once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectEndpointMetrics()
	c.collectGrantMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectNodeMetrics() {
	NodesTotal.Set(float64(len(c.cluster.Store().ListNodes())))
}

func (c *Collector) collectEndpointMetrics() {
	counts := make(map[string]int)
	for _, ep := range c.cluster.Store().ListEndpoints() {
		counts[string(ep.Kind)]++
	}
	for kind, count := range counts {
		EndpointsTotal.WithLabelValues(kind).Set(float64(count))
	}
}

func (c *Collector) collectGrantMetrics() {
	grants := c.cluster.Store().ListGrants()
	enabled, disabled, banned := 0, 0, 0

	for _, g := range grants {
		var usagePtr *types.GrantUsage
		if usage, ok := c.cluster.Store().GetGrantUsage(g.GrantID); ok {
			usagePtr = &usage
			if usage.QuotaBanned {
				banned++
			}
		}

		if types.EffectiveEnabled(g.Enabled, usagePtr) {
			enabled++
		} else {
			disabled++
		}
	}

	GrantsTotal.WithLabelValues("true").Set(float64(enabled))
	GrantsTotal.WithLabelValues("false").Set(float64(disabled))
	QuotaBannedGrantsTotal.Set(float64(banned))
}

func (c *Collector) collectRaftMetrics() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	RaftPeers.Set(float64(len(c.cluster.Store().ListNodes())))
	RaftLogIndex.Set(float64(c.cluster.LastIndex()))
	RaftAppliedIndex.Set(float64(c.cluster.AppliedIndex()))
}
