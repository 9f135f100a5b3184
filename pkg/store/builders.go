package store

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/edgenode/xp/pkg/ids"
	"github.com/edgenode/xp/pkg/types"
	"github.com/edgenode/xp/pkg/xperr"
	"github.com/google/uuid"
)

// Builders draw all random and identifier material up front, so the
// resulting Command payload is the only thing Apply ever sees — the
// keystone rule in §4.1 ("no wall-clock, no RNG, no I/O" inside Apply).

// BuildEndpoint allocates an endpoint_id, a deterministic tag, and
// kind-appropriate generated secrets (REALITY keypair + short ID, or an
// ss2022 PSK), then fills Meta from metaInput (only the manually supplied
// fields — reality.dest/server_names for vless, nothing for ss2022).
func BuildEndpoint(nodeID string, kind types.EndpointKind, port uint16, metaInput interface{}) (types.Endpoint, error) {
	endpointID := ids.New()
	tag := endpointTag(kind, endpointID)

	endpoint := types.Endpoint{
		EndpointID: endpointID,
		NodeID:     nodeID,
		Tag:        tag,
		Kind:       kind,
		Port:       port,
	}

	switch kind {
	case types.EndpointKindVlessRealityVisionTCP:
		input, ok := metaInput.(types.VlessRealityMeta)
		if !ok {
			return types.Endpoint{}, xperr.Internal("build_endpoint: expected VlessRealityMeta for vless kind")
		}
		keys, err := generateRealityKeypair()
		if err != nil {
			return types.Endpoint{}, xperr.Internal("generate reality keypair: %v", err)
		}
		shortID, err := generateShortID16Hex()
		if err != nil {
			return types.Endpoint{}, xperr.Internal("generate short id: %v", err)
		}
		input.RealityKeys = keys
		input.ShortIDs = []string{shortID}
		input.ActiveShortID = shortID
		if err := endpoint.SetMeta(input); err != nil {
			return types.Endpoint{}, err
		}

	case types.EndpointKindSS2022AES128GCM:
		psk, err := generateSS2022PSKB64()
		if err != nil {
			return types.Endpoint{}, xperr.Internal("generate ss2022 psk: %v", err)
		}
		if err := endpoint.SetMeta(types.SS2022Meta{Method: types.SS2022Method, ServerPSKB64: psk}); err != nil {
			return types.Endpoint{}, err
		}

	default:
		return types.Endpoint{}, xperr.Internal("build_endpoint: unknown kind %s", kind)
	}

	return endpoint, nil
}

// BuildUser allocates a user_id and an unguessable subscription token.
func BuildUser(displayName string, quotaReset types.QuotaReset, priorityTier types.UserPriorityTier) (types.User, error) {
	if err := quotaReset.Validate(); err != nil {
		return types.User{}, err
	}
	return types.User{
		UserID:            ids.New(),
		DisplayName:       displayName,
		SubscriptionToken: "sub_" + ids.New(),
		PriorityTier:      priorityTier,
		QuotaReset:        quotaReset,
	}, nil
}

// BuildGrant allocates a grant_id and protocol-matched credentials for
// the given endpoint.
func BuildGrant(groupName, userID, endpointID string, quotaLimitBytes uint64, note *string, endpoint types.Endpoint) (types.Grant, error) {
	grantID := ids.New()
	creds, err := credentialsForEndpoint(endpoint, grantID)
	if err != nil {
		return types.Grant{}, err
	}
	return types.Grant{
		GrantID:         grantID,
		GroupName:       groupName,
		UserID:          userID,
		EndpointID:      endpointID,
		Enabled:         true,
		QuotaLimitBytes: quotaLimitBytes,
		Note:            note,
		Credentials:     creds,
	}, nil
}

func credentialsForEndpoint(endpoint types.Endpoint, grantID string) (types.GrantCredentials, error) {
	switch endpoint.Kind {
	case types.EndpointKindVlessRealityVisionTCP:
		return types.GrantCredentials{
			Vless: &types.VlessCredentials{
				UUID:  uuid.NewString(),
				Email: types.GrantEmail(grantID),
			},
		}, nil

	case types.EndpointKindSS2022AES128GCM:
		meta, err := endpoint.SS2022MetaValue()
		if err != nil {
			return types.GrantCredentials{}, xperr.Internal("decode ss2022 meta: %v", err)
		}
		userPSK, err := generateSS2022PSKB64()
		if err != nil {
			return types.GrantCredentials{}, xperr.Internal("generate ss2022 user psk: %v", err)
		}
		return types.GrantCredentials{
			SS2022: &types.SS2022Credentials{
				Method:   types.SS2022Method,
				Password: ss2022Password(meta.ServerPSKB64, userPSK),
			},
		}, nil

	default:
		return types.GrantCredentials{}, xperr.Internal("credentials_for_endpoint: unknown kind %s", endpoint.Kind)
	}
}

// ss2022Password joins the server and per-user PSKs with ':', the exact
// shape the proxy engine and subscription renderer expect.
func ss2022Password(serverPSKB64, userPSKB64 string) string {
	return fmt.Sprintf("%s:%s", serverPSKB64, userPSKB64)
}

func endpointTag(kind types.EndpointKind, endpointID string) string {
	kindShort := "ss2022"
	if kind == types.EndpointKindVlessRealityVisionTCP {
		kindShort = "vless-vision"
	}
	return fmt.Sprintf("%s-%s", kindShort, endpointID)
}

func generateRealityKeypair() (types.RealityKeys, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return types.RealityKeys{}, err
	}
	return types.RealityKeys{
		PrivateKeyB64URLNoPad: base64.RawURLEncoding.EncodeToString(priv.Bytes()),
		PublicKey:             base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
	}, nil
}

func generateShortID16Hex() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func generateSS2022PSKB64() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
