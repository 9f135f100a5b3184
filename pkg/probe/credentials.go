package probe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
	"github.com/edgenode/xp/pkg/xperr"
)

const (
	probeUserID          = "user_probe"
	probeUserDisplayName = "probe"
	probeGrantGroupName  = "probe"
	probeGrantNote       = "system: probe"
	probeGrantQuotaBytes = uint64(1) << 40 // 1 TiB: large enough that quota bans never interfere with probe stability
)

func hmacSHA256(key, msg []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// deriveProbeSubscriptionToken derives the probe user's subscription
// token. It must be unguessable: /api/sub/:token is intentionally
// unauthenticated.
func deriveProbeSubscriptionToken(secret []byte) string {
	digest := hmacSHA256(secret, []byte("xp:probe-user:subscription-token"))
	return "sub_probe_" + base64.RawURLEncoding.EncodeToString(digest[:])
}

// deriveProbeVLESSUUID derives a stable per-endpoint VLESS uuid. It only
// needs to look like a UUID and stay stable across runs, not satisfy a
// real RFC4122 version.
func deriveProbeVLESSUUID(secret []byte, endpointID string) string {
	digest := hmacSHA256(secret, []byte("xp:probe-grant:vless-uuid:"+endpointID))
	var b [16]byte
	copy(b[:], digest[:16])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b).String()
}

// deriveProbeSS2022UserPSKB64 derives the probe grant's per-user PSK half
// of an ss2022 password; ss2022Password joins it with the endpoint's
// server PSK the same way a real grant's credentials are built.
func deriveProbeSS2022UserPSKB64(secret []byte, endpointID string) string {
	digest := hmacSHA256(secret, []byte("xp:probe-grant:ss2022-user-psk:"+endpointID))
	var key [16]byte
	copy(key[:], digest[:16])
	return base64.StdEncoding.EncodeToString(key[:])
}

func ss2022Password(serverPSKB64, userPSKB64 string) string {
	return serverPSKB64 + ":" + userPSKB64
}

func buildProbeCredentials(secret []byte, endpoint types.Endpoint, grantID string) (types.GrantCredentials, error) {
	switch endpoint.Kind {
	case types.EndpointKindVlessRealityVisionTCP:
		return types.GrantCredentials{
			Vless: &types.VlessCredentials{
				UUID:  deriveProbeVLESSUUID(secret, endpoint.EndpointID),
				Email: types.GrantEmail(grantID),
			},
		}, nil

	case types.EndpointKindSS2022AES128GCM:
		meta, err := endpoint.SS2022MetaValue()
		if err != nil {
			return types.GrantCredentials{}, fmt.Errorf("decode ss2022 meta: %w", err)
		}
		userPSK := deriveProbeSS2022UserPSKB64(secret, endpoint.EndpointID)
		return types.GrantCredentials{
			SS2022: &types.SS2022Credentials{
				Method:   types.SS2022Method,
				Password: ss2022Password(meta.ServerPSKB64, userPSK),
			},
		}, nil

	default:
		return types.GrantCredentials{}, fmt.Errorf("build probe credentials: unknown endpoint kind %s", endpoint.Kind)
	}
}

// raftWriteBestEffort submits cmd and treats a conflict (another node won
// a race to create the same row) as success, matching the idempotent
// UpsertUser/UpsertGrant semantics this package relies on.
func raftWriteBestEffort(cluster *raftcluster.Cluster, cmd store.Command) error {
	_, err := cluster.ClientWrite(cmd)
	if err == nil {
		return nil
	}
	if xperr.CodeOf(err) == xperr.CodeConflict {
		return nil
	}
	return err
}

// ensureProbeUserAndGrants idempotently provisions the probe user and one
// grant per endpoint whose node is known. It is resilient to multiple
// nodes bootstrapping at once: per-grant conflicts are swallowed, not
// fatal.
func ensureProbeUserAndGrants(cluster *raftcluster.Cluster, probeSecret []byte, endpoints []types.Endpoint, nodes []types.Node, grants []types.Grant) error {
	user := types.User{
		UserID:            probeUserID,
		DisplayName:       probeUserDisplayName,
		SubscriptionToken: deriveProbeSubscriptionToken(probeSecret),
		QuotaReset:        types.QuotaReset{Policy: types.QuotaResetUnlimited},
	}
	if err := raftWriteBestEffort(cluster, store.NewUpsertUser(user)); err != nil {
		return fmt.Errorf("upsert probe user: %w", err)
	}

	nodeIDs := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		nodeIDs[n.NodeID] = struct{}{}
	}

	for _, endpoint := range endpoints {
		if _, ok := nodeIDs[endpoint.NodeID]; !ok {
			continue
		}

		desiredGrantID := "probe_" + endpoint.EndpointID
		hasGrant := false
		for _, g := range grants {
			if g.GrantID == desiredGrantID || (g.UserID == probeUserID && g.EndpointID == endpoint.EndpointID) {
				hasGrant = true
				break
			}
		}
		if hasGrant {
			continue
		}

		credentials, err := buildProbeCredentials(probeSecret, endpoint, desiredGrantID)
		if err != nil {
			return fmt.Errorf("build probe credentials for endpoint %s: %w", endpoint.EndpointID, err)
		}

		note := probeGrantNote
		grant := types.Grant{
			GrantID:         desiredGrantID,
			GroupName:       probeGrantGroupName,
			UserID:          probeUserID,
			EndpointID:      endpoint.EndpointID,
			Enabled:         true,
			QuotaLimitBytes: probeGrantQuotaBytes,
			Note:            &note,
			Credentials:     credentials,
		}
		_ = raftWriteBestEffort(cluster, store.NewUpsertGrant(grant))
	}

	return nil
}
