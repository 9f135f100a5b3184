package raftcluster

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/security"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
	"github.com/edgenode/xp/pkg/xperr"
)

// defaultJoinTokenTTL bounds how long an issued join token remains usable.
const defaultJoinTokenTTL = 10 * time.Minute

// promotionDeadline is how long the post-join background task waits for
// the learner to catch up before giving up (§4.5 step 6).
const promotionDeadline = 30 * time.Second

// IssueJoinToken mints a join token for a new node to present to this
// (leader) node. Leader-only, since the token embeds this node's
// leaderAPIBaseURL and is signed with this node's CA key.
func (c *Cluster) IssueJoinToken(leaderAPIBaseURL string) (security.JoinToken, error) {
	if !c.IsLeader() {
		return security.JoinToken{}, &xperr.Error{Code: xperr.CodeUnavailable, Message: "only the leader issues join tokens"}
	}

	caKeyPEM, err := c.ca.RootKeyPEM()
	if err != nil {
		return security.JoinToken{}, fmt.Errorf("load CA signing key: %w", err)
	}

	return security.IssueJoinToken(c.clusterID(), leaderAPIBaseURL, string(c.ca.RootCertPEM()), defaultJoinTokenTTL, caKeyPEM)
}

// clusterID recovers the cluster ID from the CA root certificate's
// subject CommonName (Initialize sets CN = clusterID), so it survives a
// restart without a separately persisted field.
func (c *Cluster) clusterID() string {
	certPEM := c.ca.RootCertPEM()
	if certPEM == nil {
		return ""
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return ""
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return ""
	}
	return cert.Subject.CommonName
}

// JoinRequest is what a new node sends to the leader, grounded on §4.5's
// `{join_token, node_name, access_host, api_base_url, csr_pem}`. Transport
// (the POST /api/cluster/join route) is the out-of-scope admin HTTP
// adapter's job; this type is the payload it would decode and pass here.
type JoinRequest struct {
	JoinToken  string `json:"join_token"`
	NodeName   string `json:"node_name"`
	AccessHost string `json:"access_host"`
	APIBaseURL string `json:"api_base_url"`
	CSRPEM     []byte `json:"csr_pem"`
}

// JoinResponse is returned to the new node on success, matching §4.5 step
// 5: `{node_id, signed_cert_pem, cluster_ca_pem, cluster_ca_key_pem}`. The
// CA key is shared with every voter since a learner promoted later, or a
// node that itself becomes leader, must be able to issue join tokens and
// sign CSRs.
type JoinResponse struct {
	NodeID          string `json:"node_id"`
	SignedCertPEM   []byte `json:"signed_cert_pem"`
	ClusterCAPEM    string `json:"cluster_ca_pem"`
	ClusterCAKeyPEM []byte `json:"cluster_ca_key_pem"`
}

// HandleJoinRequest runs the leader-side half of §4.5: validate the join
// token, sign the CSR, admit the node as a Raft learner, submit its
// UpsertNode, and kick off the background promotion wait. Leader-only.
func (c *Cluster) HandleJoinRequest(req JoinRequest) (*JoinResponse, error) {
	if !c.IsLeader() {
		return nil, &xperr.Error{Code: xperr.CodeUnavailable, Message: fmt.Sprintf("not the leader, current leader: %s", c.LeaderAddr())}
	}

	token, err := security.DecodeAndValidateJoinToken(req.JoinToken, time.Now())
	if err != nil {
		return nil, &xperr.Error{Code: xperr.CodeInvalidRequest, Message: fmt.Sprintf("invalid join token: %v", err)}
	}

	caKeyPEM, err := c.ca.RootKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("load CA signing key: %w", err)
	}
	if err := token.ValidateOneTimeSecret(caKeyPEM); err != nil {
		return nil, &xperr.Error{Code: xperr.CodeInvalidRequest, Message: fmt.Sprintf("join token signature invalid: %v", err)}
	}

	nodeID := token.TokenID
	signedCertPEM, err := c.ca.SignNodeCSR(req.CSRPEM, nodeID)
	if err != nil {
		return nil, &xperr.Error{Code: xperr.CodeInvalidRequest, Message: fmt.Sprintf("sign node CSR: %v", err)}
	}

	if err := c.AddLearner(nodeID, req.AccessHost); err != nil {
		return nil, fmt.Errorf("add learner: %w", err)
	}
	joinLogIndex := c.LastIndex()

	node := types.Node{
		NodeID:     nodeID,
		NodeName:   req.NodeName,
		AccessHost: req.AccessHost,
		APIBaseURL: req.APIBaseURL,
		QuotaReset: types.DefaultUserQuotaReset(),
	}
	if _, err := c.ClientWrite(store.NewUpsertNode(node)); err != nil {
		return nil, fmt.Errorf("submit node to cluster state: %w", err)
	}

	go c.waitAndPromote(nodeID, req.AccessHost, joinLogIndex)

	return &JoinResponse{
		NodeID:          nodeID,
		SignedCertPEM:   signedCertPEM,
		ClusterCAPEM:    string(c.ca.RootCertPEM()),
		ClusterCAKeyPEM: caKeyPEM,
	}, nil
}

// waitAndPromote polls, up to promotionDeadline, for this node to remain
// leader and the cluster's applied index to catch up to joinLogIndex,
// then promotes nodeID from learner to voter (§4.5 step 6).
func (c *Cluster) waitAndPromote(nodeID, address string, joinLogIndex uint64) {
	deadline := time.Now().Add(promotionDeadline)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if time.Now().After(deadline) {
			log.Logger.Warn().Str("node_id", nodeID).Msg("learner did not catch up before promotion deadline")
			return
		}
		if !c.IsLeader() {
			log.Logger.Warn().Str("node_id", nodeID).Msg("lost leadership before learner promotion")
			return
		}
		if c.AppliedIndex() < joinLogIndex {
			continue
		}
		if err := c.PromoteToVoter(nodeID, address); err != nil {
			log.Logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to promote learner to voter")
		} else {
			log.Logger.Info().Str("node_id", nodeID).Msg("promoted learner to voter")
		}
		return
	}
}

// PrepareJoin runs the new-node half of §4.5 step 1-2: generate an ECDSA
// keypair+CSR and build the JoinRequest to send the leader. The caller is
// responsible for transporting the request (the out-of-scope admin HTTP
// client) and for calling CompleteJoin with the response.
func PrepareJoin(joinToken, nodeName, accessHost, apiBaseURL string) (req JoinRequest, nodeKeyPEM []byte, err error) {
	decoded, err := security.DecodeBase64URLJoinToken(joinToken)
	if err != nil {
		return JoinRequest{}, nil, fmt.Errorf("decode join token: %w", err)
	}

	csrPEM, keyPEM, err := security.GenerateNodeCSR(decoded.TokenID)
	if err != nil {
		return JoinRequest{}, nil, fmt.Errorf("generate node CSR: %w", err)
	}

	return JoinRequest{
		JoinToken:  joinToken,
		NodeName:   nodeName,
		AccessHost: accessHost,
		APIBaseURL: apiBaseURL,
		CSRPEM:     csrPEM,
	}, keyPEM, nil
}

// CompleteJoin runs the new-node half of §4.5 step 3 onward once the
// leader's JoinResponse has arrived: persist the signed certificate and
// cluster CA, start the local Raft instance, and submit it for inclusion
// in the leader's eventual add-voter call by keeping the process alive to
// receive Raft RPCs at bindAddr.
func (c *Cluster) CompleteJoin(resp JoinResponse, nodeCertPEM, nodeKeyPEM []byte) error {
	if err := security.SaveCertAndKey(nodeCertPEM, nodeKeyPEM, mustCertDir(c.nodeID)); err != nil {
		return fmt.Errorf("save node certificate: %w", err)
	}
	if err := security.SaveCACertToFile([]byte(resp.ClusterCAPEM), mustCertDir(c.nodeID)); err != nil {
		return fmt.Errorf("save cluster CA certificate: %w", err)
	}

	if err := c.ca.LoadFromDataDir(c.dataDir); err != nil {
		// First join: no ca.json yet locally, since the CA lives only on
		// the leader. Adopt the CA material the leader handed us instead
		// of self-signing a fresh root.
		if importErr := c.ca.ImportSigned(resp.ClusterCAPEM, resp.ClusterCAKeyPEM); importErr != nil {
			return fmt.Errorf("import cluster CA: %w", importErr)
		}
		if err := c.ca.SaveToDataDir(c.dataDir); err != nil {
			return fmt.Errorf("persist received cluster CA: %w", err)
		}
	}

	return c.StartAsLearner()
}

func mustCertDir(nodeID string) string {
	dir, err := security.GetCertDir("voter", nodeID)
	if err != nil {
		return ".xp/certs/voter-" + nodeID
	}
	return dir
}
