package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/xperr"
)

func newTestCluster(t *testing.T) *raftcluster.Cluster {
	t.Helper()
	c, err := raftcluster.New(raftcluster.Config{NodeID: "node-1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	return c
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CodeInvalidRequest.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, CodeUnauthorized.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, CodeConflict.HTTPStatus())
	assert.Equal(t, http.StatusNotImplemented, CodeNotImplemented.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeInternal.HTTPStatus())
}

func TestFromDomainErrorMapsXperrCodes(t *testing.T) {
	assert.Equal(t, CodeInvalidRequest, FromDomainError(xperr.MissingNode("node-1")).Code)
	assert.Equal(t, CodeNotFound, FromDomainError(xperr.RealityDomainNotFound("dom-1")).Code)
	assert.Equal(t, CodeConflict, FromDomainError(xperr.GroupNameConflict("g")).Code)
	assert.Equal(t, CodeInternal, FromDomainError(xperr.Internal("boom")).Code)
	assert.Equal(t, CodeInternal, FromDomainError(xperr.Unavailable("raft not ready")).Code)
	assert.Nil(t, FromDomainError(nil))
}

func TestClusterInfoReflectsRole(t *testing.T) {
	cluster := newTestCluster(t)
	provider := RaftClusterInfoProvider{Cluster: cluster}

	info := provider.ClusterInfo()
	assert.Equal(t, "node-1", info.NodeID)
	assert.Equal(t, RoleFollower, info.Role)
}

func TestNewRouterServesHealthAndClusterInfo(t *testing.T) {
	cluster := newTestCluster(t)
	provider := RaftClusterInfoProvider{Cluster: cluster}
	router := NewRouter(provider, cluster)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/cluster/info", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var info ClusterInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "node-1", info.NodeID)
}

func TestRespondErrorWritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, NewError(CodeConflict, "grant pair already exists"))

	assert.Equal(t, http.StatusConflict, rec.Code)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, CodeConflict, envelope.Error.Code)
	assert.Equal(t, "grant pair already exists", envelope.Error.Message)
}

func TestClusterJoinRedirectsFollowers(t *testing.T) {
	cluster := newTestCluster(t)
	provider := RaftClusterInfoProvider{
		Cluster:          cluster,
		LeaderAPIBaseURL: func() string { return "https://leader.example.com:9443" },
	}
	router := NewRouter(provider, cluster)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cluster/join", strings.NewReader(`{}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://leader.example.com:9443/api/cluster/join", rec.Header().Get("Location"))
}

func TestRequireLeaderRedirectsFollowers(t *testing.T) {
	cluster := newTestCluster(t)
	provider := RaftClusterInfoProvider{
		Cluster:          cluster,
		LeaderAPIBaseURL: func() string { return "https://leader.example.com:9443" },
	}

	called := false
	handler := RequireLeader(provider, cluster.IsLeader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/nodes", nil)
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://leader.example.com:9443/api/admin/nodes", rec.Header().Get("Location"))
}
