package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/edgenode/xp/pkg/adminhttp"
	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/raftcluster"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "join this node to an existing cluster using a join token",
	Long: `join runs the new-node half of the join protocol (§4.5): generate a
keypair and CSR, send them with the join token to the leader's
POST /api/cluster/join, and persist the signed certificate and cluster
CA this leader hands back. Once the leader promotes this node to a
voter it prints instructions to start the long-running daemon with
'xp serve'.`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().String("token", "", "join token issued by 'xp join-token' (required)")
	joinCmd.Flags().String("leader", "", "leader's admin HTTP base URL, e.g. https://10.0.0.1:7946 (required)")
	joinCmd.Flags().String("access-host", "", "host/IP this node's Raft transport is reachable at (required)")
	_ = joinCmd.MarkFlagRequired("token")
	_ = joinCmd.MarkFlagRequired("leader")
	_ = joinCmd.MarkFlagRequired("access-host")
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.NodeName == "" {
		return fmt.Errorf("XP_NODE_NAME is required")
	}

	token, _ := cmd.Flags().GetString("token")
	leader, _ := cmd.Flags().GetString("leader")
	accessHost, _ := cmd.Flags().GetString("access-host")

	req, nodeKeyPEM, err := raftcluster.PrepareJoin(token, cfg.NodeName, accessHost, cfg.APIBaseURL)
	if err != nil {
		return fmt.Errorf("prepare join request: %w", err)
	}

	resp, err := postJoinRequest(leader, req)
	if err != nil {
		return fmt.Errorf("send join request: %w", err)
	}

	cluster, err := raftcluster.New(raftcluster.Config{
		NodeID:   resp.NodeID,
		BindAddr: cfg.Bind,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("prepare local cluster state: %w", err)
	}

	if err := cluster.CompleteJoin(*resp, resp.SignedCertPEM, nodeKeyPEM); err != nil {
		return fmt.Errorf("complete join: %w", err)
	}

	fmt.Printf("joined cluster as node %s, waiting for promotion to voter...\n", resp.NodeID)
	waitForPromotion(cluster, resp.NodeID)

	if err := cluster.Shutdown(); err != nil {
		log.Logger.Warn().Err(err).Msg("error shutting down raft after join")
	}

	fmt.Println("join complete. Run 'xp serve' to start the node.")
	return nil
}

// waitForPromotion polls the cluster configuration for up to the
// leader's own promotion deadline (see raftcluster.promotionDeadline)
// plus slack, so the operator sees a clear success/timeout signal before
// being told to run 'xp serve'.
func waitForPromotion(cluster *raftcluster.Cluster, nodeID string) {
	deadline := time.Now().Add(35 * time.Second)
	for time.Now().Before(deadline) {
		servers, err := cluster.GetClusterServers()
		if err == nil {
			for _, s := range servers {
				if string(s.ID) == nodeID && s.Suffrage == raft.Voter {
					fmt.Println("promoted to voter")
					return
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	fmt.Println("warning: not yet promoted to voter; 'xp serve' will keep retrying Raft membership")
}

func postJoinRequest(leaderBaseURL string, req raftcluster.JoinRequest) (*raftcluster.JoinResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal join request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, leaderBaseURL+"/api/cluster/join", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read join response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var envelope adminhttp.Envelope
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			return nil, fmt.Errorf("leader rejected join: %s", envelope.Error.Message)
		}
		return nil, fmt.Errorf("leader rejected join: HTTP %d", httpResp.StatusCode)
	}

	var resp raftcluster.JoinResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode join response: %w", err)
	}
	return &resp, nil
}

var joinTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "mint a join token from a running leader",
	Long: `join-token is a thin HTTP client against a running leader's
POST /api/admin/cluster/join-tokens (§6), the way 'cluster join-token'
talks to a running manager rather than touching local state directly.`,
	RunE: runJoinToken,
}

func init() {
	joinTokenCmd.Flags().String("leader", "", "leader's admin HTTP base URL (required)")
	joinTokenCmd.Flags().String("leader-api-base-url", "", "this leader's externally reachable API base URL, embedded in the issued token (required)")
	joinTokenCmd.Flags().String("admin-token", "", "operator bearer token (overrides XP_ADMIN_TOKEN)")
	_ = joinTokenCmd.MarkFlagRequired("leader")
	_ = joinTokenCmd.MarkFlagRequired("leader-api-base-url")
}

func runJoinToken(cmd *cobra.Command, args []string) error {
	leader, _ := cmd.Flags().GetString("leader")
	leaderAPIBaseURL, _ := cmd.Flags().GetString("leader-api-base-url")
	adminToken, _ := cmd.Flags().GetString("admin-token")
	if adminToken == "" {
		adminToken = os.Getenv("XP_ADMIN_TOKEN")
	}
	if adminToken == "" {
		return fmt.Errorf("--admin-token or XP_ADMIN_TOKEN is required")
	}

	body, err := json.Marshal(adminhttp.JoinTokenRequest{LeaderAPIBaseURL: leaderAPIBaseURL})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, leader+"/api/admin/cluster/join-tokens", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+adminToken)

	client := &http.Client{Timeout: 10 * time.Second}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request join token: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	if httpResp.StatusCode != http.StatusOK {
		var envelope adminhttp.Envelope
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			return fmt.Errorf("leader rejected request: %s", envelope.Error.Message)
		}
		return fmt.Errorf("leader rejected request: HTTP %d", httpResp.StatusCode)
	}

	var out struct {
		JoinToken string `json:"join_token"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("decode join-token response: %w", err)
	}

	fmt.Println("Join token:")
	fmt.Printf("  %s\n\n", out.JoinToken)
	fmt.Println("To join a node to the cluster, run on the new node:")
	fmt.Printf("  xp join --token %s --leader %s --access-host <new-node-host>\n", out.JoinToken, leader)
	return nil
}

var clusterInfoCmd = &cobra.Command{
	Use:   "cluster-info",
	Short: "display cluster information from a running node",
	Long:  `cluster-info is a thin HTTP client against GET /api/cluster/info (§6).`,
	RunE:  runClusterInfo,
}

func init() {
	clusterInfoCmd.Flags().String("node", "http://127.0.0.1:7946", "node's admin HTTP base URL to query")
}

func runClusterInfo(cmd *cobra.Command, args []string) error {
	node, _ := cmd.Flags().GetString("node")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(node + "/api/cluster/info")
	if err != nil {
		return fmt.Errorf("request cluster info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var info adminhttp.ClusterInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decode cluster info: %w", err)
	}

	fmt.Println("Cluster Information:")
	fmt.Printf("  Cluster ID:    %s\n", info.ClusterID)
	fmt.Printf("  Node ID:       %s\n", info.NodeID)
	fmt.Printf("  Role:          %s\n", info.Role)
	fmt.Printf("  Leader API:    %s\n", info.LeaderAPIBaseURL)
	fmt.Printf("  Term:          %d\n", info.Term)
	return nil
}
