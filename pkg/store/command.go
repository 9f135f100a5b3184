package store

import (
	"encoding/json"

	"github.com/edgenode/xp/pkg/types"
)

// Command is one entry in the replicated command log, in the same
// Op/Data shape as the teacher's pkg/manager/fsm.go Command. New commands
// are added by extending Op and the Apply switch, never by introducing a
// new top-level Go type.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Op values. Every one of these must be handled by Apply's switch.
const (
	OpUpsertNode                 = "upsert_node"
	OpDeleteNode                 = "delete_node"
	OpUpsertEndpoint              = "upsert_endpoint"
	OpDeleteEndpoint              = "delete_endpoint"
	OpCreateRealityDomain         = "create_reality_domain"
	OpPatchRealityDomain          = "patch_reality_domain"
	OpDeleteRealityDomain         = "delete_reality_domain"
	OpReorderRealityDomains       = "reorder_reality_domains"
	OpUpsertUser                  = "upsert_user"
	OpDeleteUser                  = "delete_user"
	OpResetUserSubscriptionToken  = "reset_user_subscription_token"
	OpSetUserNodeQuota            = "set_user_node_quota"
	OpUpsertGrant                 = "upsert_grant"
	OpDeleteGrant                 = "delete_grant"
	OpCreateGrantGroup            = "create_grant_group"
	OpReplaceGrantGroup           = "replace_grant_group"
	OpDeleteGrantGroup            = "delete_grant_group"
	OpSetGrantEnabled             = "set_grant_enabled"
	OpAppendEndpointProbeSamples  = "append_endpoint_probe_samples"
)

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Payload shapes. Simple single-ID deletes marshal a bare string, matching
// the teacher's delete_node/delete_service convention.

type UpsertNodePayload struct {
	Node types.Node `json:"node"`
}

type UpsertEndpointPayload struct {
	Endpoint types.Endpoint `json:"endpoint"`
}

type CreateRealityDomainPayload struct {
	Domain types.RealityDomain `json:"domain"`
}

type PatchRealityDomainPayload struct {
	DomainID        string    `json:"domain_id"`
	ServerName      *string   `json:"server_name,omitempty"`
	DisabledNodeIDs *[]string `json:"disabled_node_ids,omitempty"`
}

type ReorderRealityDomainsPayload struct {
	DomainIDs []string `json:"domain_ids"`
}

type UpsertUserPayload struct {
	User types.User `json:"user"`
}

type ResetUserSubscriptionTokenPayload struct {
	UserID            string `json:"user_id"`
	SubscriptionToken string `json:"subscription_token"`
}

type SetUserNodeQuotaPayload struct {
	UserID           string                  `json:"user_id"`
	NodeID           string                  `json:"node_id"`
	QuotaLimitBytes  *uint64                 `json:"quota_limit_bytes,omitempty"`
	QuotaResetSource types.QuotaResetSource  `json:"quota_reset_source"`
}

type UpsertGrantPayload struct {
	Grant types.Grant `json:"grant"`
}

type CreateGrantGroupPayload struct {
	GroupName string        `json:"group_name"`
	Grants    []types.Grant `json:"grants"`
}

type ReplaceGrantGroupPayload struct {
	GroupName string        `json:"group_name"`
	RenameTo  *string       `json:"rename_to,omitempty"`
	Grants    []types.Grant `json:"grants"`
}

type DeleteGrantGroupPayload struct {
	GroupName string `json:"group_name"`
}

type SetGrantEnabledPayload struct {
	GrantID string                    `json:"grant_id"`
	Enabled bool                      `json:"enabled"`
	Source  types.GrantEnabledSource  `json:"source"`
}

type AppendEndpointProbeSamplesPayload struct {
	Hour       string                         `json:"hour"`
	FromNodeID string                         `json:"from_node_id"`
	Samples    []EndpointProbeAppendSample    `json:"samples"`
}

// EndpointProbeAppendSample is one sample submitted by the probe runner;
// it carries EndpointID so a single command can batch samples for many
// endpoints (bounding Raft log churn per §4.7).
type EndpointProbeAppendSample struct {
	EndpointID string  `json:"endpoint_id"`
	OK         bool    `json:"ok"`
	CheckedAt  string  `json:"checked_at"`
	LatencyMs  *uint32 `json:"latency_ms,omitempty"`
	TargetID   *string `json:"target_id,omitempty"`
	Error      *string `json:"error,omitempty"`
	ConfigHash string  `json:"config_hash"`
}

// Constructors: build a Command from a typed payload. Callers (pkg/raftcluster
// clients, pkg/quota, pkg/probe) use these instead of hand-assembling JSON.

func NewUpsertNode(node types.Node) Command {
	return Command{Op: OpUpsertNode, Data: mustMarshal(UpsertNodePayload{Node: node})}
}

func NewDeleteNode(nodeID string) Command {
	return Command{Op: OpDeleteNode, Data: mustMarshal(nodeID)}
}

func NewUpsertEndpoint(endpoint types.Endpoint) Command {
	return Command{Op: OpUpsertEndpoint, Data: mustMarshal(UpsertEndpointPayload{Endpoint: endpoint})}
}

func NewDeleteEndpoint(endpointID string) Command {
	return Command{Op: OpDeleteEndpoint, Data: mustMarshal(endpointID)}
}

func NewCreateRealityDomain(domain types.RealityDomain) Command {
	return Command{Op: OpCreateRealityDomain, Data: mustMarshal(CreateRealityDomainPayload{Domain: domain})}
}

func NewPatchRealityDomain(p PatchRealityDomainPayload) Command {
	return Command{Op: OpPatchRealityDomain, Data: mustMarshal(p)}
}

func NewDeleteRealityDomain(domainID string) Command {
	return Command{Op: OpDeleteRealityDomain, Data: mustMarshal(domainID)}
}

func NewReorderRealityDomains(domainIDs []string) Command {
	return Command{Op: OpReorderRealityDomains, Data: mustMarshal(ReorderRealityDomainsPayload{DomainIDs: domainIDs})}
}

func NewUpsertUser(user types.User) Command {
	return Command{Op: OpUpsertUser, Data: mustMarshal(UpsertUserPayload{User: user})}
}

func NewDeleteUser(userID string) Command {
	return Command{Op: OpDeleteUser, Data: mustMarshal(userID)}
}

func NewResetUserSubscriptionToken(userID, token string) Command {
	return Command{Op: OpResetUserSubscriptionToken, Data: mustMarshal(ResetUserSubscriptionTokenPayload{UserID: userID, SubscriptionToken: token})}
}

func NewSetUserNodeQuota(p SetUserNodeQuotaPayload) Command {
	return Command{Op: OpSetUserNodeQuota, Data: mustMarshal(p)}
}

func NewUpsertGrant(grant types.Grant) Command {
	return Command{Op: OpUpsertGrant, Data: mustMarshal(UpsertGrantPayload{Grant: grant})}
}

func NewDeleteGrant(grantID string) Command {
	return Command{Op: OpDeleteGrant, Data: mustMarshal(grantID)}
}

func NewCreateGrantGroup(groupName string, grants []types.Grant) Command {
	return Command{Op: OpCreateGrantGroup, Data: mustMarshal(CreateGrantGroupPayload{GroupName: groupName, Grants: grants})}
}

func NewReplaceGrantGroup(p ReplaceGrantGroupPayload) Command {
	return Command{Op: OpReplaceGrantGroup, Data: mustMarshal(p)}
}

func NewDeleteGrantGroup(groupName string) Command {
	return Command{Op: OpDeleteGrantGroup, Data: mustMarshal(DeleteGrantGroupPayload{GroupName: groupName})}
}

func NewSetGrantEnabled(grantID string, enabled bool, source types.GrantEnabledSource) Command {
	return Command{Op: OpSetGrantEnabled, Data: mustMarshal(SetGrantEnabledPayload{GrantID: grantID, Enabled: enabled, Source: source})}
}

func NewAppendEndpointProbeSamples(hour, fromNodeID string, samples []EndpointProbeAppendSample) Command {
	return Command{Op: OpAppendEndpointProbeSamples, Data: mustMarshal(AppendEndpointProbeSamplesPayload{Hour: hour, FromNodeID: fromNodeID, Samples: samples})}
}
