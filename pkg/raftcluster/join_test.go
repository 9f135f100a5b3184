package raftcluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenode/xp/pkg/security"
	"github.com/edgenode/xp/pkg/xperr"
)

func newTestCA(t *testing.T, clusterID string) *security.CertAuthority {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)))
	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize(clusterID))
	return ca
}

func TestClusterIDDerivedFromCARootCert(t *testing.T) {
	ca := newTestCA(t, "cluster-abc")
	c := &Cluster{ca: ca}
	assert.Equal(t, "cluster-abc", c.clusterID())
}

func TestClusterIDEmptyWhenCAUninitialized(t *testing.T) {
	c := &Cluster{ca: security.NewCertAuthority()}
	assert.Equal(t, "", c.clusterID())
}

func TestIssueJoinTokenRequiresLeader(t *testing.T) {
	ca := newTestCA(t, "cluster-abc")
	c := &Cluster{ca: ca}

	_, err := c.IssueJoinToken("https://leader.example.com")
	require.Error(t, err)
	xerr, ok := err.(*xperr.Error)
	require.True(t, ok, "expected *xperr.Error, got %T", err)
	assert.Equal(t, xperr.CodeUnavailable, xerr.Code)
}

func TestHandleJoinRequestRequiresLeader(t *testing.T) {
	ca := newTestCA(t, "cluster-abc")
	c := &Cluster{ca: ca}

	_, err := c.HandleJoinRequest(JoinRequest{JoinToken: "whatever"})
	require.Error(t, err)
	xerr, ok := err.(*xperr.Error)
	require.True(t, ok, "expected *xperr.Error, got %T", err)
	assert.Equal(t, xperr.CodeUnavailable, xerr.Code)
}

func TestPrepareJoinBuildsCSRAgainstIssuedToken(t *testing.T) {
	ca := newTestCA(t, "cluster-abc")
	caKeyPEM, err := ca.RootKeyPEM()
	require.NoError(t, err)

	token, err := security.IssueJoinToken("cluster-abc", "https://leader.example.com", string(ca.RootCertPEM()), 10*time.Minute, caKeyPEM)
	require.NoError(t, err)
	encoded, err := token.EncodeBase64URLJSON()
	require.NoError(t, err)

	req, nodeKeyPEM, err := PrepareJoin(encoded, "edge-2", "edge-2.example.com", "https://edge-2.example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, nodeKeyPEM)
	assert.NotEmpty(t, req.CSRPEM)
	assert.Equal(t, "edge-2", req.NodeName)
	assert.Equal(t, encoded, req.JoinToken)

	// The leader recovers the same token deterministically and can verify
	// the one-time secret with the CA key it already holds.
	decoded, err := security.DecodeAndValidateJoinToken(req.JoinToken, time.Now())
	require.NoError(t, err)
	assert.NoError(t, decoded.ValidateOneTimeSecret(caKeyPEM))

	signedCertPEM, err := ca.SignNodeCSR(req.CSRPEM, decoded.TokenID)
	require.NoError(t, err)
	assert.NotEmpty(t, signedCertPEM)
}
