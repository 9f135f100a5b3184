package store

import "github.com/edgenode/xp/pkg/types"

// ApplyResult is the tagged-union outcome of a single Apply call. Most
// commands just return ResultApplied; the remainder carry enough detail
// for the submitter (admin adapter, quota controller, probe runner) to
// react without re-reading the store.
type ApplyResultKind string

const (
	ResultApplied           ApplyResultKind = "applied"
	ResultNodeDeleted       ApplyResultKind = "node_deleted"
	ResultEndpointDeleted   ApplyResultKind = "endpoint_deleted"
	ResultUserDeleted       ApplyResultKind = "user_deleted"
	ResultUserTokenReset    ApplyResultKind = "user_token_reset"
	ResultUserNodeQuotaSet  ApplyResultKind = "user_node_quota_set"
	ResultGrantDeleted      ApplyResultKind = "grant_deleted"
	ResultGrantGroupCreated ApplyResultKind = "grant_group_created"
	ResultGrantGroupReplaced ApplyResultKind = "grant_group_replaced"
	ResultGrantGroupDeleted ApplyResultKind = "grant_group_deleted"
	ResultGrantEnabledSet   ApplyResultKind = "grant_enabled_set"
)

// ApplyResult is deliberately a single flat struct rather than an
// interface-per-variant: Apply's callers (Raft FSM, admin adapter) only
// ever need to read the fields relevant to the Kind they requested, and a
// flat struct survives a json round trip across the Raft ClientResponse
// boundary without a custom unmarshaler.
type ApplyResult struct {
	Kind ApplyResultKind `json:"kind"`

	Deleted bool `json:"deleted,omitempty"`
	Applied bool `json:"applied,omitempty"`
	Changed bool `json:"changed,omitempty"`

	Grant *types.Grant          `json:"grant,omitempty"`
	Quota *types.UserNodeQuota  `json:"quota,omitempty"`

	GroupName string `json:"group_name,omitempty"`
	Created   int    `json:"created,omitempty"`
	Updated   int    `json:"updated,omitempty"`
	DeletedCount int `json:"deleted_count,omitempty"`
}
