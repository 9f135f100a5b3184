package probe

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

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

func TestConfigHashStableAndSensitiveToConcurrency(t *testing.T) {
	a := ConfigHash(4)
	b := ConfigHash(4)
	assert.Equal(t, a, b)

	c := ConfigHash(8)
	assert.NotEqual(t, a, c)
}

func TestFormatHourKeyTruncatesToHour(t *testing.T) {
	at := time.Date(2026, 7, 31, 14, 37, 52, 0, time.UTC)
	got := FormatHourKey(at)
	assert.Equal(t, "2026-07-31T14:00:00Z", got)
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, IsLoopbackHost("localhost"))
	assert.True(t, IsLoopbackHost("Localhost"))
	assert.True(t, IsLoopbackHost("127.0.0.1"))
	assert.True(t, IsLoopbackHost("::1"))
	assert.False(t, IsLoopbackHost("edge-1.example.com"))
	assert.False(t, IsLoopbackHost("203.0.113.10"))
	assert.False(t, IsLoopbackHost(""))
}

func TestDeriveFunctionsAreDeterministic(t *testing.T) {
	secret := []byte("shared-probe-secret")

	tok1 := deriveProbeSubscriptionToken(secret)
	tok2 := deriveProbeSubscriptionToken(secret)
	assert.Equal(t, tok1, tok2)

	uuid1 := deriveProbeVLESSUUID(secret, "endpoint-a")
	uuid2 := deriveProbeVLESSUUID(secret, "endpoint-a")
	assert.Equal(t, uuid1, uuid2)
	assert.NotEqual(t, uuid1, deriveProbeVLESSUUID(secret, "endpoint-b"))

	psk1 := deriveProbeSS2022UserPSKB64(secret, "endpoint-a")
	psk2 := deriveProbeSS2022UserPSKB64(secret, "endpoint-a")
	assert.Equal(t, psk1, psk2)

	other := deriveProbeSubscriptionToken([]byte("different-secret"))
	assert.NotEqual(t, tok1, other)
}

func TestEnsureProbeUserAndGrantsIsIdempotent(t *testing.T) {
	cluster := newTestCluster(t)

	node := types.Node{NodeID: "node-1", NodeName: "edge-1", AccessHost: "edge-1.example.com", APIBaseURL: "https://edge-1.example.com:9443"}
	mustApply(t, cluster, store.NewUpsertNode(node))

	endpoint, err := store.BuildEndpoint("node-1", types.EndpointKindVlessRealityVisionTCP, 443, types.VlessRealityMeta{
		Dest:        "example.com:443",
		ServerNames: []string{"example.com"},
	})
	require.NoError(t, err)
	mustApply(t, cluster, store.NewUpsertEndpoint(endpoint))

	secret := []byte("probe-secret")
	s := cluster.Store()

	run := func() {
		require.NoError(t, ensureProbeUserAndGrants(cluster, secret, s.ListEndpoints(), s.ListNodes(), s.ListGrants()))
	}

	run()
	users := s.ListUsers()
	require.Len(t, users, 1)
	assert.Equal(t, probeUserID, users[0].UserID)

	grants := s.ListGrants()
	require.Len(t, grants, 1)
	assert.Equal(t, probeUserID, grants[0].UserID)
	assert.Equal(t, endpoint.EndpointID, grants[0].EndpointID)
	require.NotNil(t, grants[0].Credentials.Vless)
	firstUUID := grants[0].Credentials.Vless.UUID

	// Running again must not create a second grant or rotate credentials.
	run()
	grants = s.ListGrants()
	require.Len(t, grants, 1)
	assert.Equal(t, firstUUID, grants[0].Credentials.Vless.UUID)
}

func TestRunnerStartBackgroundSingleFlight(t *testing.T) {
	cluster := newTestCluster(t)
	r := New("node-1", cluster, []byte("secret"), NewOptions())

	block := make(chan struct{})
	<-r.gate
	go func() {
		<-block
		r.gate <- struct{}{}
	}()

	accepted := r.StartBackground(RunRequest{Hour: "2026-07-31T14:00:00Z", RunID: "run-1", ConfigHash: r.ConfigHash()})
	assert.False(t, accepted.Accepted)
	assert.True(t, accepted.AlreadyRunning)

	close(block)
}

func TestRunOnceRejectsConfigHashMismatch(t *testing.T) {
	cluster := newTestCluster(t)
	r := New("node-1", cluster, []byte("secret"), NewOptions())

	err := r.RunBlocking(t.Context(), RunRequest{Hour: FormatHourKey(time.Now()), RunID: "run-1", ConfigHash: "stale-hash"})
	require.Error(t, err)
	var mismatch *ConfigHashMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestProbeOneEndpointFailsForLoopbackNode(t *testing.T) {
	cluster := newTestCluster(t)
	r := New("node-1", cluster, []byte("secret"), NewOptions())

	node := types.Node{NodeID: "node-1", NodeName: "local", AccessHost: "localhost"}
	endpoint, err := store.BuildEndpoint("node-1", types.EndpointKindSS2022AES128GCM, 8388, nil)
	require.NoError(t, err)

	nodesByID := map[string]types.Node{"node-1": node}
	sample := r.probeOneEndpoint(t.Context(), "run-1", "hash", endpoint, nodesByID, nil)

	assert.False(t, sample.OK)
	require.NotNil(t, sample.Error)
	assert.Contains(t, *sample.Error, "loopback")
}

func TestAllocateEphemeralPortReturnsUsablePort(t *testing.T) {
	port, err := allocateEphemeralPort()
	require.NoError(t, err)
	assert.Positive(t, port)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.NotEqual(t, port, l.Addr().(*net.TCPAddr).Port)
}
