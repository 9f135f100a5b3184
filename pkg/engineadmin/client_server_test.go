package engineadmin

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgenode/xp/pkg/security"
	"github.com/edgenode/xp/pkg/types"
)

// fakeEngine is a minimal in-memory AdminServer used to exercise the
// transport without a real proxy engine behind it.
type fakeEngine struct {
	inbounds map[string]bool
	users    map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{inbounds: map[string]bool{}, users: map[string]bool{}}
}

func (f *fakeEngine) AddInbound(_ context.Context, req *AddInboundRequest) (*AddInboundResponse, error) {
	if f.inbounds[req.Tag] {
		return nil, status.Error(codes.AlreadyExists, "inbound exists")
	}
	f.inbounds[req.Tag] = true
	return &AddInboundResponse{}, nil
}

func (f *fakeEngine) RemoveInbound(_ context.Context, req *RemoveInboundRequest) (*RemoveInboundResponse, error) {
	if !f.inbounds[req.Tag] {
		return nil, status.Error(codes.NotFound, "no such inbound")
	}
	delete(f.inbounds, req.Tag)
	return &RemoveInboundResponse{}, nil
}

func (f *fakeEngine) AddUser(_ context.Context, req *AddUserRequest) (*AddUserResponse, error) {
	if !f.inbounds[req.Tag] {
		return nil, status.Error(codes.NotFound, "no such inbound")
	}
	key := req.Tag + "|" + req.Email
	if f.users[key] {
		return nil, status.Error(codes.AlreadyExists, "user exists")
	}
	f.users[key] = true
	return &AddUserResponse{}, nil
}

func (f *fakeEngine) RemoveUser(_ context.Context, req *RemoveUserRequest) (*RemoveUserResponse, error) {
	key := req.Tag + "|" + req.Email
	if !f.users[key] {
		return nil, status.Error(codes.NotFound, "no such user")
	}
	delete(f.users, key)
	return &RemoveUserResponse{}, nil
}

func (f *fakeEngine) GetStats(_ context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	if req.Name == "" {
		return &GetStatsResponse{}, nil
	}
	return nil, status.Error(codes.NotFound, "no such stat")
}

func (f *fakeEngine) GetUserTraffic(_ context.Context, req *GetUserTrafficRequest) (*GetUserTrafficResponse, error) {
	return &GetUserTrafficResponse{UplinkTotal: 1024, DownlinkTotal: 2048}, nil
}

// testMTLSFixture builds a cluster CA plus one signed node cert, the
// minimum both the loopback Server and Client need to speak mTLS.
func testMTLSFixture(t *testing.T) (*security.CertAuthority, tls.Certificate) {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("cluster-engineadmin-test")))
	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize("cluster-engineadmin-test"))

	csrPEM, keyPEM, err := security.GenerateNodeCSR("edge-1")
	require.NoError(t, err)
	certPEM, err := ca.SignNodeCSR(csrPEM, "edge-1")
	require.NoError(t, err)

	nodeCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return ca, nodeCert
}

func TestClientServerRoundTrip(t *testing.T) {
	ca, nodeCert := testMTLSFixture(t)
	engine := newFakeEngine()

	srv, err := NewServer("127.0.0.1:0", engine, nodeCert, ca)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr(), nodeCert, ca)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.AddInbound(ctx, &AddInboundRequest{Tag: "in-1", Kind: types.EndpointKindVlessRealityVisionTCP, Port: 443})
	require.NoError(t, err)

	// Re-adding the same inbound folds AlreadyExists into success.
	_, err = client.AddInbound(ctx, &AddInboundRequest{Tag: "in-1", Kind: types.EndpointKindVlessRealityVisionTCP, Port: 443})
	require.NoError(t, err)

	_, err = client.AddUser(ctx, &AddUserRequest{Tag: "in-1", Email: "grant:abc"})
	require.NoError(t, err)

	_, err = client.RemoveUser(ctx, &RemoveUserRequest{Tag: "in-1", Email: "grant:abc"})
	require.NoError(t, err)

	// Removing an already-absent user folds NotFound into success.
	_, err = client.RemoveUser(ctx, &RemoveUserRequest{Tag: "in-1", Email: "grant:abc"})
	require.NoError(t, err)

	traffic, err := client.GetUserTraffic(ctx, &GetUserTrafficRequest{GrantID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), traffic.UplinkTotal)
	assert.Equal(t, uint64(2048), traffic.DownlinkTotal)

	_, err = client.RemoveInbound(ctx, &RemoveInboundRequest{Tag: "in-1"})
	require.NoError(t, err)

	// AddUser against a missing inbound surfaces NotFound undisguised, so
	// the reconciler can decide to RebuildInbound and retry.
	_, err = client.AddUser(ctx, &AddUserRequest{Tag: "in-1", Email: "grant:abc"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetStats(ctx, &GetStatsRequest{Name: "missing-counter"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
