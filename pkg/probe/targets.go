package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"
)

// ProbeTarget is one HTTPS check run through the proxied SOCKS client.
type ProbeTarget struct {
	ID                 string
	URL                string
	ExpectedStatus     int
	ExpectedBodyPrefix string
	Required           bool
}

// DefaultTargets is the pinned list of checks every probe run makes.
// Keep this list stable: the admin UI reads the resulting latency as a
// canonical per-endpoint metric, and every node's config_hash depends on
// it matching byte for byte.
func DefaultTargets() []ProbeTarget {
	return []ProbeTarget{
		{
			ID:             "gstatic-204",
			URL:            "https://www.gstatic.com/generate_204",
			ExpectedStatus: 204,
			Required:       true,
		},
		{
			ID:                 "cloudflare-robots",
			URL:                "https://www.cloudflare.com/robots.txt",
			ExpectedStatus:     200,
			ExpectedBodyPrefix: "User-agent",
			Required:           false,
		},
	}
}

// ConfigHash hashes every setting that affects probe results, so nodes
// running a stale build (a changed target list, a changed concurrency)
// reject each other's run requests instead of silently disagreeing.
func ConfigHash(concurrency int) string {
	targets := make([]map[string]string, 0, len(DefaultTargets()))
	for _, t := range DefaultTargets() {
		targets = append(targets, map[string]string{
			"id":                   t.ID,
			"url":                  t.URL,
			"expected_status":      strconv.Itoa(t.ExpectedStatus),
			"expected_body_prefix": t.ExpectedBodyPrefix,
			"required":             strconv.FormatBool(t.Required),
		})
	}

	cfg := struct {
		Targets          []map[string]string `json:"targets"`
		Concurrency      int                  `json:"concurrency"`
		ConnectTimeoutMs int64                `json:"connect_timeout_ms"`
		RequestTimeoutMs int64                `json:"request_timeout_ms"`
	}{
		Targets:          targets,
		Concurrency:      concurrency,
		ConnectTimeoutMs: defaultConnectTimeout.Milliseconds(),
		RequestTimeoutMs: defaultRequestTimeout.Milliseconds(),
	}

	b, err := json.Marshal(cfg)
	if err != nil {
		panic(err) // cfg is a fixed, marshalable shape
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FormatHourKey formats at truncated down to its UTC hour boundary, the
// key every EndpointProbeHourBucket and run request is filed under.
func FormatHourKey(at time.Time) string {
	return at.UTC().Truncate(time.Hour).Format(time.RFC3339)
}

// IsLoopbackHost reports whether host (a Node.AccessHost) resolves to a
// loopback address or "localhost". Endpoints on such nodes can't be
// probed meaningfully from outside, so the runner refuses rather than
// reporting a falsely-healthy local round trip.
func IsLoopbackHost(host string) bool {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return false
	}
	if strings.EqualFold(trimmed, "localhost") {
		return true
	}
	ip := net.ParseIP(trimmed)
	return ip != nil && ip.IsLoopback()
}
