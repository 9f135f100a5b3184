package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenode/xp/pkg/engineadmin"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

// fakeEngine is an in-memory stand-in for engineadmin.Client, returning
// whatever traffic totals the test has staged for a grant and recording
// every remove_user call it receives.
type fakeEngine struct {
	traffic map[string][2]uint64 // grantID -> (uplink, downlink)

	removeUserCalls []engineadmin.RemoveUserRequest
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{traffic: map[string][2]uint64{}}
}

func (f *fakeEngine) GetUserTraffic(_ context.Context, req *engineadmin.GetUserTrafficRequest) (*engineadmin.GetUserTrafficResponse, error) {
	v := f.traffic[req.GrantID]
	return &engineadmin.GetUserTrafficResponse{UplinkTotal: v[0], DownlinkTotal: v[1]}, nil
}

func (f *fakeEngine) RemoveUser(_ context.Context, req *engineadmin.RemoveUserRequest) (*engineadmin.RemoveUserResponse, error) {
	f.removeUserCalls = append(f.removeUserCalls, *req)
	return &engineadmin.RemoveUserResponse{}, nil
}

// fakeReconciler records RequestFull calls without standing up a real
// Reconciler.
type fakeReconciler struct {
	requestFullCalls int
}

func (f *fakeReconciler) RequestFull() { f.requestFullCalls++ }

func newTestCluster(t *testing.T) *raftcluster.Cluster {
	t.Helper()
	c, err := raftcluster.New(raftcluster.Config{NodeID: "node-1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	return c
}

func mustApply(t *testing.T, c *raftcluster.Cluster, cmd store.Command) {
	t.Helper()
	_, err := c.Store().ApplyCommand(cmd)
	require.NoError(t, err)
}

var monthlyUTC = types.QuotaReset{Policy: types.QuotaResetMonthly, DayOfMonth: 1, TzOffsetMinutes: 0}

func setupGrant(t *testing.T, cluster *raftcluster.Cluster, quotaLimitBytes uint64, enabled bool) (grantID, endpointTag string) {
	t.Helper()
	mustApply(t, cluster, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1"}))
	mustApply(t, cluster, store.NewUpsertUser(types.User{UserID: "user-1", DisplayName: "alice", QuotaReset: monthlyUTC}))

	ep := types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "in-ss2022-1", Kind: types.EndpointKindSS2022AES128GCM, Port: 8388}
	require.NoError(t, ep.SetMeta(types.SS2022Meta{Method: types.SS2022Method}))
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))

	grant := types.Grant{
		GrantID:         "grant-1",
		UserID:          "user-1",
		EndpointID:      "ep-1",
		Enabled:         enabled,
		QuotaLimitBytes: quotaLimitBytes,
		Credentials:     types.GrantCredentials{SS2022: &types.SS2022Credentials{Method: types.SS2022Method, Password: "server:user"}},
	}
	mustApply(t, cluster, store.NewUpsertGrant(grant))
	return grant.GrantID, ep.Tag
}

func TestTickAccumulatesUsage(t *testing.T) {
	cluster := newTestCluster(t)
	grantID, _ := setupGrant(t, cluster, 0, true)

	engine := newFakeEngine()
	engine.traffic[grantID] = [2]uint64{100, 200}

	reconciler := &fakeReconciler{}
	c := New(cluster, engine, reconciler)

	now := time.Date(2025, 12, 18, 0, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), now)

	engine.traffic[grantID] = [2]uint64{150, 250}
	c.Tick(context.Background(), now)

	usage, ok := cluster.Store().GetGrantUsage(grantID)
	require.True(t, ok)
	assert.Equal(t, uint64(400), usage.UsedBytes)
	assert.Equal(t, 0, reconciler.requestFullCalls)
}

func TestTickExceedTriggersBan(t *testing.T) {
	cluster := newTestCluster(t)
	grantID, endpointTag := setupGrant(t, cluster, quotaToleranceBytes+100, true)

	engine := newFakeEngine()
	engine.traffic[grantID] = [2]uint64{100, 0}

	reconciler := &fakeReconciler{}
	c := New(cluster, engine, reconciler)

	now := time.Date(2025, 12, 18, 0, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), now)

	grant, ok := cluster.Store().GetGrant(grantID)
	require.True(t, ok)
	assert.False(t, grant.Enabled)

	usage, ok := cluster.Store().GetGrantUsage(grantID)
	require.True(t, ok)
	assert.True(t, usage.QuotaBanned)
	require.NotNil(t, usage.QuotaBannedAt)

	require.Len(t, engine.removeUserCalls, 1)
	assert.Equal(t, endpointTag, engine.removeUserCalls[0].Tag)
	assert.Equal(t, types.GrantEmail(grantID), engine.removeUserCalls[0].Email)

	assert.Equal(t, 1, reconciler.requestFullCalls)
}

func TestTickAutoUnbanOnRollover(t *testing.T) {
	cluster := newTestCluster(t)
	grantID, _ := setupGrant(t, cluster, 1, false)

	oldNow := time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC)
	oldStart, oldEnd := currentCycleWindow(monthlyUTC, oldNow)
	_, err := cluster.Store().ApplyGrantUsageSample(grantID, oldStart, oldEnd, 0, 0, oldNow.Format(time.RFC3339))
	require.NoError(t, err)
	require.NoError(t, cluster.Store().SetQuotaBanned(grantID, oldNow.Format(time.RFC3339)))

	engine := newFakeEngine()
	engine.traffic[grantID] = [2]uint64{0, 0}

	reconciler := &fakeReconciler{}
	c := New(cluster, engine, reconciler)

	newNow := time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), newNow)

	grant, ok := cluster.Store().GetGrant(grantID)
	require.True(t, ok)
	assert.True(t, grant.Enabled)

	usage, ok := cluster.Store().GetGrantUsage(grantID)
	require.True(t, ok)
	assert.False(t, usage.QuotaBanned)
	assert.Nil(t, usage.QuotaBannedAt)
	assert.Equal(t, uint64(0), usage.UsedBytes)

	assert.Equal(t, 1, reconciler.requestFullCalls)
	assert.Empty(t, engine.removeUserCalls)
}

func TestTickBansPriorityOrderP3First(t *testing.T) {
	cluster := newTestCluster(t)
	mustApply(t, cluster, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1"}))

	ep := types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "in-ss2022-1", Kind: types.EndpointKindSS2022AES128GCM, Port: 8388}
	require.NoError(t, ep.SetMeta(types.SS2022Meta{Method: types.SS2022Method}))
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))

	mustApply(t, cluster, store.NewUpsertUser(types.User{UserID: "user-p1", DisplayName: "p1", PriorityTier: types.PriorityTierP1, QuotaReset: monthlyUTC}))
	mustApply(t, cluster, store.NewUpsertUser(types.User{UserID: "user-p2", DisplayName: "p2", PriorityTier: types.PriorityTierP2, QuotaReset: monthlyUTC}))
	mustApply(t, cluster, store.NewUpsertUser(types.User{UserID: "user-p3", DisplayName: "p3", PriorityTier: types.PriorityTierP3, QuotaReset: monthlyUTC}))

	limit := quotaToleranceBytes + 100
	newGrant := func(id, userID string) types.Grant {
		return types.Grant{
			GrantID:         id,
			UserID:          userID,
			EndpointID:      "ep-1",
			Enabled:         true,
			QuotaLimitBytes: limit,
			Credentials:     types.GrantCredentials{SS2022: &types.SS2022Credentials{Method: types.SS2022Method, Password: "server:" + id}},
		}
	}
	// Applied out of priority order on purpose: the fix must not depend on
	// map iteration or insertion order, only on each grant's user's tier.
	mustApply(t, cluster, store.NewUpsertGrant(newGrant("grant-p1", "user-p1")))
	mustApply(t, cluster, store.NewUpsertGrant(newGrant("grant-p3", "user-p3")))
	mustApply(t, cluster, store.NewUpsertGrant(newGrant("grant-p2", "user-p2")))

	engine := newFakeEngine()
	engine.traffic["grant-p1"] = [2]uint64{100, 0}
	engine.traffic["grant-p2"] = [2]uint64{100, 0}
	engine.traffic["grant-p3"] = [2]uint64{100, 0}

	c := New(cluster, engine, nil)
	now := time.Date(2025, 12, 18, 0, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), now)

	require.Len(t, engine.removeUserCalls, 3)
	order := make([]string, len(engine.removeUserCalls))
	for i, call := range engine.removeUserCalls {
		order[i] = call.Email
	}
	assert.Equal(t, []string{
		types.GrantEmail("grant-p3"),
		types.GrantEmail("grant-p2"),
		types.GrantEmail("grant-p1"),
	}, order)
}

func TestTickManualDisabledNotAutoUnbanned(t *testing.T) {
	cluster := newTestCluster(t)
	grantID, _ := setupGrant(t, cluster, 1, false)

	oldNow := time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC)
	oldStart, oldEnd := currentCycleWindow(monthlyUTC, oldNow)
	_, err := cluster.Store().ApplyGrantUsageSample(grantID, oldStart, oldEnd, 0, 0, oldNow.Format(time.RFC3339))
	require.NoError(t, err)

	engine := newFakeEngine()
	engine.traffic[grantID] = [2]uint64{0, 0}

	c := New(cluster, engine, nil)

	newNow := time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), newNow)

	grant, ok := cluster.Store().GetGrant(grantID)
	require.True(t, ok)
	assert.False(t, grant.Enabled)

	usage, ok := cluster.Store().GetGrantUsage(grantID)
	require.True(t, ok)
	assert.False(t, usage.QuotaBanned)
}
