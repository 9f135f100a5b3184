package engineadmin

import (
	"encoding/json"

	"github.com/edgenode/xp/pkg/types"
)

// Request/response shapes for the proxy engine's admin surface. Grounded on
// original_source/src/quota.rs's xray-core proxyman command client
// (AlterInboundRequest, GetUserTrafficTotals) and §4.3's reconciler request
// kinds (Full/RemoveInbound/RemoveUser/RebuildInbound, which compose out of
// AddInbound/AddUser/RemoveInbound/RemoveUser one-at-a-time calls).

// AddInboundRequest instructs the engine to add (or, if it already has one
// by this tag, confirm) an inbound handler. Kind/Port/Meta mirror
// types.Endpoint's fields exactly, since the engine's inbound config is
// built directly from them.
type AddInboundRequest struct {
	Tag  string             `json:"tag"`
	Kind types.EndpointKind `json:"kind"`
	Port uint16             `json:"port"`
	Meta json.RawMessage    `json:"meta"`
}

type AddInboundResponse struct{}

// RemoveInboundRequest tombstones an inbound by tag. The engine returns
// NotFound if no such inbound exists, which callers treat as success.
type RemoveInboundRequest struct {
	Tag string `json:"tag"`
}

type RemoveInboundResponse struct{}

// AddUserRequest adds one user's credentials to an existing inbound.
// Exactly one of Credentials.Vless/Credentials.SS2022 is populated,
// matching the inbound's kind.
type AddUserRequest struct {
	Tag         string                 `json:"tag"`
	Email       string                 `json:"email"`
	Credentials types.GrantCredentials `json:"credentials"`
}

type AddUserResponse struct{}

// RemoveUserRequest revokes one user's credentials from an inbound. The
// engine returns NotFound if the user (or the inbound) is already absent,
// which callers treat as success.
type RemoveUserRequest struct {
	Tag   string `json:"tag"`
	Email string `json:"email"`
}

type RemoveUserResponse struct{}

// GetStatsRequest queries one named counter. Name follows the engine's
// `user>>>{email}>>>traffic>>>{uplink,downlink}` stat naming; an empty Name
// is a cheap liveness probe (the proxy supervisor's probe call per §4.6 —
// a NotFound response still counts as the channel being healthy).
type GetStatsRequest struct {
	Name  string `json:"name"`
	Reset bool   `json:"reset"`
}

type GetStatsResponse struct {
	Value int64 `json:"value"`
}

// GetUserTrafficRequest fetches both uplink and downlink counters for one
// grant in a single call, the shape the quota controller polls every tick.
type GetUserTrafficRequest struct {
	GrantID string `json:"grant_id"`
}

type GetUserTrafficResponse struct {
	UplinkTotal   uint64 `json:"uplink_total"`
	DownlinkTotal uint64 `json:"downlink_total"`
}
