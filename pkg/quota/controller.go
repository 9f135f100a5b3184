package quota

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgenode/xp/pkg/engineadmin"
	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultAutoUnban    = true

	// quotaToleranceBytes absorbs the last sample's rounding error so a
	// grant sitting exactly at its limit isn't banned and unbanned on
	// alternating ticks.
	quotaToleranceBytes uint64 = 10 * 1024 * 1024
)

// trafficClient is the subset of *engineadmin.Client the quota controller
// drives: reading a grant's lifetime counters and tearing down a banned
// grant's session.
type trafficClient interface {
	GetUserTraffic(context.Context, *engineadmin.GetUserTrafficRequest) (*engineadmin.GetUserTrafficResponse, error)
	RemoveUser(context.Context, *engineadmin.RemoveUserRequest) (*engineadmin.RemoveUserResponse, error)
}

// reconcileRequester is satisfied by *reconciler.Reconciler. A ban/unban
// always mutates Grant.Enabled, which only the reconciler's Full sweep
// propagates to the proxy engine.
type reconcileRequester interface {
	RequestFull()
}

// Controller runs the periodic quota sampling and ban/unban loop (§4.4).
type Controller struct {
	cluster    *raftcluster.Cluster
	engine     trafficClient
	reconciler reconcileRequester

	pollInterval time.Duration
	autoUnban    bool

	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customizes a Controller's scheduling parameters.
type Option func(*Controller)

func WithPollInterval(d time.Duration) Option { return func(c *Controller) { c.pollInterval = d } }
func WithAutoUnban(enabled bool) Option       { return func(c *Controller) { c.autoUnban = enabled } }

// New builds a quota Controller. reconciler may be nil in tests that only
// exercise Tick directly and don't care whether a reconcile was requested.
func New(cluster *raftcluster.Cluster, engine trafficClient, reconciler reconcileRequester, opts ...Option) *Controller {
	c := &Controller{
		cluster:      cluster,
		engine:       engine,
		reconciler:   reconciler,
		pollInterval: defaultPollInterval,
		autoUnban:    defaultAutoUnban,
		logger:       log.WithComponent("quota"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the polling loop.
func (c *Controller) Start() {
	go c.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Tick(context.Background(), time.Now().UTC())
		case <-c.stopCh:
			return
		}
	}
}

// grantSnapshot captures everything read from the store before sampling
// the engine, so the tick can tell a window rollover apart from a
// steady-state sample without re-reading usage mid-flight.
type grantSnapshot struct {
	grant          types.Grant
	nodeID         string
	priorityTier   types.UserPriorityTier
	endpointTag    string
	hasEndpointTag bool
	cycleStartAt   string
	cycleEndAt     string
	prevCycleStart string
	prevCycleEnd   string
	hadPrevWindow  bool
}

// priorityBanRank orders SetGrantEnabled(false) submissions within a tick:
// P3 first, then P2, then P1, so that under contention on the same node
// higher-priority (lower-numbered) tiers are banned last. This is a pure
// ordering choice (§ Open Question Decisions, priority-tier pacing) with no
// throughput shaping of its own. Unknown/unset tiers sort as lowest
// priority, alongside P3.
func priorityBanRank(tier types.UserPriorityTier) int {
	switch tier {
	case types.PriorityTierP2:
		return 1
	case types.PriorityTierP1:
		return 2
	default:
		return 0
	}
}

// Tick runs one quota sampling pass over every grant. A per-grant failure
// (cycle policy unresolved, engine unreachable for that grant) is logged
// and skipped; it never aborts the rest of the tick. An engine that can't
// be reached at all for this tick is likewise just logged and skipped,
// matching the reference sampler's "warn and skip the whole tick" rule.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.QuotaTickDuration)

	s := c.cluster.Store()
	snapshots := make([]grantSnapshot, 0)
	for _, grant := range s.ListGrants() {
		reset, ok := effectiveQuotaReset(s, grant)
		if !ok {
			c.logger.Warn().Str("grant_id", grant.GrantID).Msg("quota tick: cycle policy resolution failed, skipping grant")
			continue
		}
		cycleStartAt, cycleEndAt := currentCycleWindow(reset, now)

		snap := grantSnapshot{grant: grant, cycleStartAt: cycleStartAt, cycleEndAt: cycleEndAt}
		if endpoint, ok := s.GetEndpoint(grant.EndpointID); ok {
			snap.endpointTag = endpoint.Tag
			snap.hasEndpointTag = true
			snap.nodeID = endpoint.NodeID
		}
		if user, ok := s.GetUser(grant.UserID); ok {
			snap.priorityTier = user.PriorityTier
		}
		if usage, ok := s.GetGrantUsage(grant.GrantID); ok {
			snap.prevCycleStart = usage.CycleStartAt
			snap.prevCycleEnd = usage.CycleEndAt
			snap.hadPrevWindow = true
		}
		snapshots = append(snapshots, snap)
	}

	// Group by node, then order each node's grants P3->P2->P1 so a tick
	// that bans more than one grant on the same node submits lower-priority
	// SetGrantEnabled(false) commands first.
	sort.SliceStable(snapshots, func(i, j int) bool {
		if snapshots[i].nodeID != snapshots[j].nodeID {
			return snapshots[i].nodeID < snapshots[j].nodeID
		}
		return priorityBanRank(snapshots[i].priorityTier) < priorityBanRank(snapshots[j].priorityTier)
	})

	for _, snap := range snapshots {
		if err := c.processGrant(ctx, now, snap); err != nil {
			c.logger.Warn().Err(err).Str("grant_id", snap.grant.GrantID).Msg("quota tick: grant processing failed")
		}
	}
}

func (c *Controller) processGrant(ctx context.Context, now time.Time, snap grantSnapshot) error {
	s := c.cluster.Store()
	email := types.GrantEmail(snap.grant.GrantID)

	traffic, err := c.engine.GetUserTraffic(ctx, &engineadmin.GetUserTrafficRequest{GrantID: snap.grant.GrantID})
	if err != nil {
		return err
	}

	seenAt := now.Format(time.RFC3339)
	usageSnap, err := s.ApplyGrantUsageSample(snap.grant.GrantID, snap.cycleStartAt, snap.cycleEndAt, traffic.UplinkTotal, traffic.DownlinkTotal, seenAt)
	if err != nil {
		return err
	}

	windowChanged := !snap.hadPrevWindow || snap.prevCycleStart != snap.cycleStartAt || snap.prevCycleEnd != snap.cycleEndAt

	usageAfter, _ := s.GetGrantUsage(snap.grant.GrantID)
	quotaBanned := usageAfter.QuotaBanned
	grantNow, _ := s.GetGrant(snap.grant.GrantID)
	grantEnabled := grantNow.Enabled

	if windowChanged && c.autoUnban && quotaBanned {
		c.logger.Debug().Str("grant_id", snap.grant.GrantID).Msg("quota tick: cycle rollover, auto-unbanning")
		if _, err := s.ApplyCommand(store.NewSetGrantEnabled(snap.grant.GrantID, true, types.GrantEnabledSourceQuota)); err != nil {
			return err
		}
		if err := s.ClearQuotaBanned(snap.grant.GrantID); err != nil {
			return err
		}
		metrics.QuotaUnbansTotal.Inc()
		c.requestFull()
		return nil
	}

	if snap.grant.QuotaLimitBytes == 0 {
		return nil
	}

	thresholdReached := saturatingAdd(usageSnap.UsedBytes, quotaToleranceBytes) >= snap.grant.QuotaLimitBytes
	if !thresholdReached || !grantEnabled {
		return nil
	}

	if snap.hasEndpointTag {
		_, err := c.engine.RemoveUser(ctx, &engineadmin.RemoveUserRequest{Tag: snap.endpointTag, Email: email})
		if err != nil {
			c.logger.Warn().Err(err).Str("grant_id", snap.grant.GrantID).Str("tag", snap.endpointTag).Msg("quota tick: engine remove_user failed")
		}
	} else {
		c.logger.Warn().Str("grant_id", snap.grant.GrantID).Msg("quota tick: missing endpoint tag, skipping engine remove_user")
	}

	if _, err := s.ApplyCommand(store.NewSetGrantEnabled(snap.grant.GrantID, false, types.GrantEnabledSourceQuota)); err != nil {
		return err
	}
	if err := s.SetQuotaBanned(snap.grant.GrantID, now.Format(time.RFC3339)); err != nil {
		return err
	}
	metrics.QuotaBansTotal.Inc()
	c.requestFull()
	return nil
}

func (c *Controller) requestFull() {
	if c.reconciler != nil {
		c.reconciler.RequestFull()
	}
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
