package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgenode/xp/pkg/engineadmin"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

// fakeEngine is an in-memory stand-in for engineadmin.Client, recording
// every call it receives.
type fakeEngine struct {
	mu sync.Mutex

	inbounds map[string]bool
	users    map[string]bool

	addInboundCalls    int
	removeInboundCalls int
	addUserCalls       int
	removeUserCalls    int

	// missingInboundOnce, if set, makes exactly one AddUser call for this
	// tag fail NotFound before the inbound is (re-)added locally, so
	// tests can exercise the single-retry path.
	missingInboundOnce map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		inbounds:           map[string]bool{},
		users:              map[string]bool{},
		missingInboundOnce: map[string]bool{},
	}
}

// AddInbound, RemoveInbound, AddUser, and RemoveUser replicate
// engineadmin.Client's idempotence folding (AlreadyExists/NotFound ->
// nil error on add/remove respectively), since engineClient's contract is
// defined by that client, not by the raw engine RPCs underneath it.

func (f *fakeEngine) AddInbound(_ context.Context, req *engineadmin.AddInboundRequest) (*engineadmin.AddInboundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addInboundCalls++
	if f.inbounds[req.Tag] {
		return &engineadmin.AddInboundResponse{}, nil
	}
	f.inbounds[req.Tag] = true
	delete(f.missingInboundOnce, req.Tag)
	return &engineadmin.AddInboundResponse{}, nil
}

func (f *fakeEngine) RemoveInbound(_ context.Context, req *engineadmin.RemoveInboundRequest) (*engineadmin.RemoveInboundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeInboundCalls++
	delete(f.inbounds, req.Tag)
	return &engineadmin.RemoveInboundResponse{}, nil
}

func (f *fakeEngine) AddUser(_ context.Context, req *engineadmin.AddUserRequest) (*engineadmin.AddUserResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addUserCalls++
	if f.missingInboundOnce[req.Tag] {
		delete(f.missingInboundOnce, req.Tag)
		return nil, status.Error(codes.NotFound, "no such inbound")
	}
	if !f.inbounds[req.Tag] {
		return nil, status.Error(codes.NotFound, "no such inbound")
	}
	key := req.Tag + "|" + req.Email
	f.users[key] = true
	return &engineadmin.AddUserResponse{}, nil
}

func (f *fakeEngine) RemoveUser(_ context.Context, req *engineadmin.RemoveUserRequest) (*engineadmin.RemoveUserResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeUserCalls++
	key := req.Tag + "|" + req.Email
	delete(f.users, key)
	return &engineadmin.RemoveUserResponse{}, nil
}

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

func TestExecuteFullAddsInboundsAndUsers(t *testing.T) {
	cluster := newTestCluster(t)
	mustApply(t, cluster, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1", APIBaseURL: "https://edge-1.example.com"}))

	ep := types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "in-vless-1", Kind: types.EndpointKindVlessRealityVisionTCP, Port: 443, Meta: mustMetaJSON(t, types.VlessRealityMeta{Dest: "example.com:443"})}
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))

	mustApply(t, cluster, store.NewUpsertUser(types.User{UserID: "user-1", DisplayName: "alice"}))
	grant := types.Grant{GrantID: "grant-1", UserID: "user-1", EndpointID: "ep-1", Enabled: true, Credentials: types.GrantCredentials{Vless: &types.VlessCredentials{UUID: "11111111-1111-1111-1111-111111111111", Email: types.GrantEmail("grant-1")}}}
	mustApply(t, cluster, store.NewUpsertGrant(grant))

	engine := newFakeEngine()
	r := New(cluster, engine, "https://edge-1.example.com", "edge-1", t.TempDir(), WithDebounce(time.Millisecond))

	require.NoError(t, r.executeFull(context.Background()))

	assert.Equal(t, 1, engine.addInboundCalls)
	assert.Equal(t, 1, engine.addUserCalls)
	assert.True(t, engine.inbounds["in-vless-1"])
	assert.True(t, engine.users["in-vless-1|grant:grant-1"])
	assert.True(t, r.ownedTags["in-vless-1"])
	assert.NotEmpty(t, r.hashCache["ep-1"])
}

func TestExecuteFullIsIdempotentOnSecondRun(t *testing.T) {
	cluster := newTestCluster(t)
	mustApply(t, cluster, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1", APIBaseURL: "https://edge-1.example.com"}))
	ep := types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "in-vless-1", Kind: types.EndpointKindVlessRealityVisionTCP, Port: 443, Meta: mustMetaJSON(t, types.VlessRealityMeta{Dest: "example.com:443"})}
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))

	engine := newFakeEngine()
	r := New(cluster, engine, "https://edge-1.example.com", "edge-1", t.TempDir())

	require.NoError(t, r.executeFull(context.Background()))
	require.NoError(t, r.executeFull(context.Background()))

	// Second pass: hash unchanged, so ensureInbound (not rebuild) ran
	// again and its AlreadyExists was folded away with no error.
	assert.Equal(t, 2, engine.addInboundCalls)
	assert.Equal(t, 0, engine.removeInboundCalls)
}

func TestExecuteFullRebuildsOnConfigChange(t *testing.T) {
	cluster := newTestCluster(t)
	mustApply(t, cluster, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1", APIBaseURL: "https://edge-1.example.com"}))
	ep := types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "in-vless-1", Kind: types.EndpointKindVlessRealityVisionTCP, Port: 443, Meta: mustMetaJSON(t, types.VlessRealityMeta{Dest: "example.com:443"})}
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))

	engine := newFakeEngine()
	r := New(cluster, engine, "https://edge-1.example.com", "edge-1", t.TempDir())
	require.NoError(t, r.executeFull(context.Background()))
	assert.Equal(t, 1, engine.addInboundCalls)
	assert.Equal(t, 0, engine.removeInboundCalls)

	ep.Port = 8443
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))
	require.NoError(t, r.executeFull(context.Background()))

	assert.Equal(t, 1, engine.removeInboundCalls)
	assert.Equal(t, 2, engine.addInboundCalls)
}

func TestSyncUsersRetriesOnceAfterMissingInbound(t *testing.T) {
	cluster := newTestCluster(t)
	mustApply(t, cluster, store.NewUpsertNode(types.Node{NodeID: "node-1", NodeName: "edge-1", APIBaseURL: "https://edge-1.example.com"}))
	ep := types.Endpoint{EndpointID: "ep-1", NodeID: "node-1", Tag: "in-vless-1", Kind: types.EndpointKindVlessRealityVisionTCP, Port: 443, Meta: mustMetaJSON(t, types.VlessRealityMeta{Dest: "example.com:443"})}
	mustApply(t, cluster, store.NewUpsertEndpoint(ep))
	mustApply(t, cluster, store.NewUpsertUser(types.User{UserID: "user-1"}))
	grant := types.Grant{GrantID: "grant-1", UserID: "user-1", EndpointID: "ep-1", Enabled: true, Credentials: types.GrantCredentials{Vless: &types.VlessCredentials{UUID: "11111111-1111-1111-1111-111111111111", Email: types.GrantEmail("grant-1")}}}
	mustApply(t, cluster, store.NewUpsertGrant(grant))

	engine := newFakeEngine()
	engine.inbounds["in-vless-1"] = true
	engine.missingInboundOnce["in-vless-1"] = true

	r := New(cluster, engine, "https://edge-1.example.com", "edge-1", t.TempDir())
	err := r.syncUsers(context.Background(), ep)
	require.NoError(t, err)
	assert.True(t, engine.users["in-vless-1|grant:grant-1"])
	assert.Equal(t, 2, engine.addUserCalls)
}

func TestRequestRemoveInboundIgnoresNonLocalTag(t *testing.T) {
	cluster := newTestCluster(t)
	engine := newFakeEngine()
	r := New(cluster, engine, "https://edge-1.example.com", "edge-1", t.TempDir())

	require.NoError(t, r.executeRemoveInbound(context.Background(), "not-owned"))
	assert.Equal(t, 0, engine.removeInboundCalls)
}

func mustMetaJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	ep := types.Endpoint{}
	require.NoError(t, ep.SetMeta(v))
	return ep.Meta
}
