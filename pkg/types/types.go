package types

import "encoding/json"

// EndpointKind identifies which proxy protocol an Endpoint terminates.
type EndpointKind string

const (
	EndpointKindVlessRealityVisionTCP EndpointKind = "vless_reality_vision_tcp"
	EndpointKindSS2022AES128GCM       EndpointKind = "ss2022_aes128gcm"
)

// QuotaResetSource records whether a user-node quota override originated
// from the user or from the node's own shared-quota budget.
type QuotaResetSource string

const (
	QuotaResetSourceUser QuotaResetSource = "user"
	QuotaResetSourceNode QuotaResetSource = "node"
)

// QuotaResetPolicyKind tags a QuotaReset variant.
type QuotaResetPolicyKind string

const (
	QuotaResetUnlimited QuotaResetPolicyKind = "unlimited"
	QuotaResetMonthly   QuotaResetPolicyKind = "monthly"
)

// QuotaReset is a tagged union: either unlimited (no cycle enforcement) or
// monthly (anchored at day_of_month, in the given UTC offset). DayOfMonth
// is only meaningful when Policy == QuotaResetMonthly.
type QuotaReset struct {
	Policy          QuotaResetPolicyKind `json:"policy"`
	DayOfMonth      uint8                `json:"day_of_month,omitempty"`
	TzOffsetMinutes int16                `json:"tz_offset_minutes"`
}

// DefaultUserQuotaReset matches the reference implementation's default: a
// monthly reset on the 1st, anchored at UTC+8 (480 minutes).
func DefaultUserQuotaReset() QuotaReset {
	return QuotaReset{Policy: QuotaResetMonthly, DayOfMonth: 1, TzOffsetMinutes: 480}
}

// UserPriorityTier influences shared-quota pacing ordering under
// contention; see pkg/quota for the tie-break law.
type UserPriorityTier string

const (
	PriorityTierP1 UserPriorityTier = "p1"
	PriorityTierP2 UserPriorityTier = "p2"
	PriorityTierP3 UserPriorityTier = "p3"
)

// Node is one cluster peer.
type Node struct {
	NodeID          string     `json:"node_id"`
	NodeName        string     `json:"node_name"`
	AccessHost      string     `json:"access_host"`
	APIBaseURL      string     `json:"api_base_url"`
	QuotaLimitBytes uint64     `json:"quota_limit_bytes"`
	QuotaReset      QuotaReset `json:"quota_reset"`
}

// ServerNamesSource indicates whether an endpoint's REALITY SNI pool is
// manually curated or derived from the cluster-wide domain list.
type ServerNamesSource string

const (
	ServerNamesSourceManual ServerNamesSource = "manual"
	ServerNamesSourceGlobal ServerNamesSource = "global"
)

// RealityKeys holds the x25519 keypair an endpoint presents for REALITY.
type RealityKeys struct {
	PrivateKeyB64URLNoPad string `json:"private_key_b64url_nopad"`
	PublicKey             string `json:"public_key"`
}

// VlessRealityMeta is the kind-tagged meta payload for a
// vless_reality_vision_tcp endpoint.
type VlessRealityMeta struct {
	Dest              string            `json:"dest"`
	ServerNames       []string          `json:"server_names"`
	ServerNamesSource ServerNamesSource `json:"server_names_source"`
	Fingerprint       string            `json:"fingerprint"`
	RealityKeys       RealityKeys       `json:"reality_keys"`
	ShortIDs          []string          `json:"short_ids"`
	ActiveShortID     string            `json:"active_short_id"`
}

// SS2022Meta is the kind-tagged meta payload for an ss2022_aes128gcm
// endpoint.
type SS2022Meta struct {
	Method       string `json:"method"`
	ServerPSKB64 string `json:"server_psk_b64"`
}

// SS2022Method is the only supported ss2022 cipher in this spec.
const SS2022Method = "2022-blake3-aes-128-gcm"

// Endpoint is one proxy inbound on one node.
type Endpoint struct {
	EndpointID string          `json:"endpoint_id"`
	NodeID     string          `json:"node_id"`
	Tag        string          `json:"tag"`
	Kind       EndpointKind    `json:"kind"`
	Port       uint16          `json:"port"`
	Meta       json.RawMessage `json:"meta"`
}

// VlessMeta decodes Meta as a VlessRealityMeta; caller must check Kind first.
func (e *Endpoint) VlessMeta() (VlessRealityMeta, error) {
	var m VlessRealityMeta
	if len(e.Meta) == 0 {
		return m, nil
	}
	err := json.Unmarshal(e.Meta, &m)
	return m, err
}

// SS2022MetaValue decodes Meta as an SS2022Meta; caller must check Kind first.
func (e *Endpoint) SS2022MetaValue() (SS2022Meta, error) {
	var m SS2022Meta
	if len(e.Meta) == 0 {
		return m, nil
	}
	err := json.Unmarshal(e.Meta, &m)
	return m, err
}

// SetMeta marshals v (a VlessRealityMeta or SS2022Meta) into Meta.
func (e *Endpoint) SetMeta(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Meta = b
	return nil
}

// RealityDomain is one entry in the cluster-wide REALITY SNI pool.
type RealityDomain struct {
	DomainID        string   `json:"domain_id"`
	ServerName      string   `json:"server_name"`
	DisabledNodeIDs []string `json:"disabled_node_ids,omitempty"`
}

// User is a subscriber.
type User struct {
	UserID            string           `json:"user_id"`
	DisplayName       string           `json:"display_name"`
	SubscriptionToken string           `json:"subscription_token"`
	PriorityTier      UserPriorityTier `json:"priority_tier"`
	QuotaReset        QuotaReset       `json:"quota_reset"`
}

// VlessCredentials are the per-grant credentials for a vless endpoint.
type VlessCredentials struct {
	UUID  string `json:"uuid"`
	Email string `json:"email"`
}

// SS2022Credentials are the per-grant credentials for an ss2022 endpoint.
type SS2022Credentials struct {
	Method   string `json:"method"`
	Password string `json:"password"`
}

// GrantCredentials carries exactly one of Vless or SS2022, matching the
// endpoint kind it was issued for.
type GrantCredentials struct {
	Vless  *VlessCredentials  `json:"vless,omitempty"`
	SS2022 *SS2022Credentials `json:"ss2022,omitempty"`
}

// GrantEnabledSource records what last changed Grant.Enabled, so the quota
// controller and admin surface can distinguish operator action from
// automatic quota enforcement.
type GrantEnabledSource string

const (
	GrantEnabledSourceManual GrantEnabledSource = "manual"
	GrantEnabledSourceQuota  GrantEnabledSource = "quota"
)

// Grant is one (user, endpoint) authorization.
type Grant struct {
	GrantID         string           `json:"grant_id"`
	GroupName       string           `json:"group_name"`
	UserID          string           `json:"user_id"`
	EndpointID      string           `json:"endpoint_id"`
	Enabled         bool             `json:"enabled"`
	QuotaLimitBytes uint64           `json:"quota_limit_bytes"`
	Note            *string          `json:"note,omitempty"`
	Credentials     GrantCredentials `json:"credentials"`
}

// GrantEmail is the traffic-counter identity the proxy engine uses for a
// grant, per the reference quota sampler (`user>>>grant:{grant_id}>>>...`).
func GrantEmail(grantID string) string {
	return "grant:" + grantID
}

// UserNodeQuota is a per-(user,node) shared-quota override.
type UserNodeQuota struct {
	UserID           string           `json:"user_id"`
	NodeID           string           `json:"node_id"`
	QuotaLimitBytes  uint64           `json:"quota_limit_bytes"`
	QuotaResetSource QuotaResetSource `json:"quota_reset_source"`
}

// GrantUsage is node-local, not replicated: the running tally and ban state
// for one grant's current cycle window.
type GrantUsage struct {
	CycleStartAt      string  `json:"cycle_start_at"`
	CycleEndAt        string  `json:"cycle_end_at"`
	UsedBytes         uint64  `json:"used_bytes"`
	LastUplinkTotal   uint64  `json:"last_uplink_total"`
	LastDownlinkTotal uint64  `json:"last_downlink_total"`
	LastSeenAt        string  `json:"last_seen_at"`
	QuotaBanned       bool    `json:"quota_banned"`
	QuotaBannedAt     *string `json:"quota_banned_at,omitempty"`
}

// EffectiveEnabled is grant.enabled ∧ ¬quota_banned, the predicate used
// everywhere a grant's live authorization status matters.
func EffectiveEnabled(enabled bool, usage *GrantUsage) bool {
	if usage == nil {
		return enabled
	}
	return enabled && !usage.QuotaBanned
}

// EndpointProbeSample is one per-node measurement of an endpoint's
// reachability, produced by the probe runner and written via
// AppendEndpointProbeSamples.
type EndpointProbeSample struct {
	NodeID     string  `json:"node_id"`
	OK         bool    `json:"ok"`
	CheckedAt  string  `json:"checked_at"`
	LatencyMs  *uint32 `json:"latency_ms,omitempty"`
	TargetID   *string `json:"target_id,omitempty"`
	Error      *string `json:"error,omitempty"`
	ConfigHash string  `json:"config_hash"`
}

// EndpointProbeHourBucket groups samples taken during one UTC hour.
type EndpointProbeHourBucket struct {
	Hour    string                `json:"hour"` // RFC3339 hour boundary, e.g. 2026-07-31T09:00:00Z
	Samples []EndpointProbeSample `json:"samples"`
}
