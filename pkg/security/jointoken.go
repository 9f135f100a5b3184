package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgenode/xp/pkg/ids"
)

// JoinToken is a self-contained, HMAC-signed credential a node presents
// to a cluster leader to join. It carries everything a brand-new node
// needs to trust the cluster (the CA certificate) and everything the
// leader needs to verify the token was genuinely issued by itself (the
// one-time secret), without a server-side lookup table: any node holding
// the cluster CA key can verify a token it never saw issued. Grounded on
// original_source/src/cluster_identity.rs's JoinToken.
type JoinToken struct {
	ClusterID         string    `json:"cluster_id"`
	LeaderAPIBaseURL  string    `json:"leader_api_base_url"`
	ClusterCAPEM      string    `json:"cluster_ca_pem"`
	TokenID           string    `json:"token_id"`
	OneTimeSecret     string    `json:"one_time_secret"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// joinTokenSignedPayload is the subset of JoinToken's fields covered by
// the HMAC tag. one_time_secret is excluded since it IS the tag.
type joinTokenSignedPayload struct {
	ClusterID        string `json:"cluster_id"`
	LeaderAPIBaseURL string `json:"leader_api_base_url"`
	ClusterCAPEM     string `json:"cluster_ca_pem"`
	TokenID          string `json:"token_id"`
	ExpiresAt        string `json:"expires_at"`
}

func (t JoinToken) signedPayloadBytes() ([]byte, error) {
	return json.Marshal(joinTokenSignedPayload{
		ClusterID:        t.ClusterID,
		LeaderAPIBaseURL: t.LeaderAPIBaseURL,
		ClusterCAPEM:     t.ClusterCAPEM,
		TokenID:          t.TokenID,
		ExpiresAt:        t.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// IssueJoinToken mints a new token, signing it with clusterCAKeyPEM (the
// same key material protecting the root CA) so any node that already
// trusts the cluster CA can verify a token without calling home.
func IssueJoinToken(clusterID, leaderAPIBaseURL, clusterCAPEM string, ttl time.Duration, clusterCAKeyPEM []byte) (JoinToken, error) {
	token := JoinToken{
		ClusterID:        clusterID,
		LeaderAPIBaseURL: leaderAPIBaseURL,
		ClusterCAPEM:     clusterCAPEM,
		TokenID:          ids.New(),
		ExpiresAt:        time.Now().Add(ttl),
	}

	payload, err := token.signedPayloadBytes()
	if err != nil {
		return JoinToken{}, fmt.Errorf("encode join token payload: %w", err)
	}

	mac := hmac.New(sha256.New, clusterCAKeyPEM)
	mac.Write(payload)
	token.OneTimeSecret = base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return token, nil
}

// ValidateOneTimeSecret recomputes the HMAC tag over t's signed fields
// and compares it against OneTimeSecret in constant time.
func (t JoinToken) ValidateOneTimeSecret(clusterCAKeyPEM []byte) error {
	payload, err := t.signedPayloadBytes()
	if err != nil {
		return fmt.Errorf("encode join token payload: %w", err)
	}

	secretBytes, err := base64.RawURLEncoding.DecodeString(t.OneTimeSecret)
	if err != nil {
		return fmt.Errorf("one_time_secret is not valid base64url")
	}

	mac := hmac.New(sha256.New, clusterCAKeyPEM)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), secretBytes) {
		return fmt.Errorf("one_time_secret is invalid")
	}
	return nil
}

// ValidateAt reports whether t is still within its validity window at now.
func (t JoinToken) ValidateAt(now time.Time) error {
	if !now.Before(t.ExpiresAt) {
		return fmt.Errorf("join token expired at %s", t.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// EncodeBase64URLJSON serializes t as the wire form handed to a joining
// node: base64url(no padding) of the JSON payload.
func (t JoinToken) EncodeBase64URLJSON() (string, error) {
	payload := map[string]string{
		"cluster_id":          t.ClusterID,
		"leader_api_base_url": t.LeaderAPIBaseURL,
		"cluster_ca_pem":      t.ClusterCAPEM,
		"token_id":            t.TokenID,
		"one_time_secret":     t.OneTimeSecret,
		"expires_at":          t.ExpiresAt.UTC().Format(time.RFC3339),
	}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode join token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// DecodeBase64URLJoinToken parses the wire form produced by
// EncodeBase64URLJSON, without checking expiry or the signature.
func DecodeBase64URLJoinToken(encoded string) (JoinToken, error) {
	bytes, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return JoinToken{}, fmt.Errorf("join token is not valid base64url")
	}

	var raw map[string]string
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return JoinToken{}, fmt.Errorf("join token payload is not valid json")
	}

	leaderAPIBaseURL := raw["leader_api_base_url"]
	if len(leaderAPIBaseURL) < len("https://") || leaderAPIBaseURL[:len("https://")] != "https://" {
		return JoinToken{}, fmt.Errorf("join token leader_api_base_url must start with https://")
	}

	expiresAt, err := time.Parse(time.RFC3339, raw["expires_at"])
	if err != nil {
		return JoinToken{}, fmt.Errorf("join token expires_at is not valid rfc3339")
	}

	for _, field := range []string{"cluster_id", "cluster_ca_pem", "token_id", "one_time_secret"} {
		if raw[field] == "" {
			return JoinToken{}, fmt.Errorf("join token missing field: %s", field)
		}
	}

	return JoinToken{
		ClusterID:        raw["cluster_id"],
		LeaderAPIBaseURL: leaderAPIBaseURL,
		ClusterCAPEM:     raw["cluster_ca_pem"],
		TokenID:          raw["token_id"],
		OneTimeSecret:    raw["one_time_secret"],
		ExpiresAt:        expiresAt,
	}, nil
}

// DecodeAndValidateJoinToken decodes encoded and checks it has not
// expired as of now. Signature verification is a separate step
// (ValidateOneTimeSecret) since it requires the cluster CA key, which
// the decoding side may not hold yet.
func DecodeAndValidateJoinToken(encoded string, now time.Time) (JoinToken, error) {
	token, err := DecodeBase64URLJoinToken(encoded)
	if err != nil {
		return JoinToken{}, err
	}
	if err := token.ValidateAt(now); err != nil {
		return JoinToken{}, err
	}
	return token, nil
}
