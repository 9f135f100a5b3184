package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/edgenode/xp/pkg/ids"
	"github.com/edgenode/xp/pkg/types"
)

const (
	defaultXrayStartupTimeout = 2 * time.Second
	defaultConnectTimeout     = 5 * time.Second
	defaultRequestTimeout     = 10 * time.Second
)

// errEngineNotFound is returned when the configured proxy-engine binary
// can't be found on PATH at all -- a deployment problem, not a transient
// probe failure.
var errEngineNotFound = errors.New("proxy engine binary not found")

// checkResult is one run's outcome against DefaultTargets, before it is
// folded into the store.EndpointProbeAppendSample the caller submits.
type checkResult struct {
	OK        bool
	LatencyMs *uint32
	TargetID  *string
	Err       string
}

func buildVlessOutbound(node types.Node, endpoint types.Endpoint, cred *types.VlessCredentials) (map[string]interface{}, error) {
	meta, err := endpoint.VlessMeta()
	if err != nil {
		return nil, fmt.Errorf("decode vless reality meta: %w", err)
	}

	var serverName string
	if len(meta.ServerNames) > 0 {
		serverName = meta.ServerNames[0]
	}
	if serverName == "" || meta.RealityKeys.PublicKey == "" || meta.ActiveShortID == "" {
		return nil, fmt.Errorf("invalid vless reality meta (missing server_name/public_key/short_id)")
	}

	return map[string]interface{}{
		"protocol": "vless",
		"settings": map[string]interface{}{
			"vnext": []map[string]interface{}{{
				"address": node.AccessHost,
				"port":    endpoint.Port,
				"users": []map[string]interface{}{{
					"id":         cred.UUID,
					"flow":       "xtls-rprx-vision",
					"encryption": "none",
				}},
			}},
		},
		"streamSettings": map[string]interface{}{
			"network":  "tcp",
			"security": "reality",
			"realitySettings": map[string]interface{}{
				"show":        false,
				"fingerprint": meta.Fingerprint,
				"serverName":  serverName,
				"publicKey":   meta.RealityKeys.PublicKey,
				"shortId":     meta.ActiveShortID,
				"spiderX":     "/",
			},
		},
	}, nil
}

func buildSS2022Outbound(node types.Node, endpoint types.Endpoint, cred *types.SS2022Credentials) map[string]interface{} {
	return map[string]interface{}{
		"protocol": "shadowsocks",
		"settings": map[string]interface{}{
			"servers": []map[string]interface{}{{
				"address":    node.AccessHost,
				"port":       endpoint.Port,
				"method":     cred.Method,
				"password":   cred.Password,
				"uot":        false,
				"UoTVersion": 2,
			}},
		},
	}
}

// probeThroughEngine spawns a throwaway proxy-engine process exposing a
// local SOCKS inbound over outbound, waits for it to come up, runs every
// DefaultTargets check through it, and tears it down.
func probeThroughEngine(ctx context.Context, runID, engineBin string, outbound map[string]interface{}) (checkResult, error) {
	socksPort, err := allocateEphemeralPort()
	if err != nil {
		return checkResult{}, fmt.Errorf("bind ephemeral socks port: %w", err)
	}

	config := map[string]interface{}{
		"log": map[string]string{"loglevel": "warning"},
		"inbounds": []map[string]interface{}{{
			"listen":   "127.0.0.1",
			"port":     socksPort,
			"protocol": "socks",
			"settings": map[string]interface{}{"auth": "noauth", "udp": false},
		}},
		"outbounds": []map[string]interface{}{outbound},
	}

	tmpDir, err := os.MkdirTemp("", fmt.Sprintf("xp-endpoint-probe-%s-%s-", runID, ids.New()))
	if err != nil {
		return checkResult{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	configBytes, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return checkResult{}, fmt.Errorf("encode engine config: %w", err)
	}
	configPath := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(configPath, configBytes, 0o600); err != nil {
		return checkResult{}, fmt.Errorf("write engine config: %w", err)
	}

	cmd := exec.CommandContext(ctx, engineBin, "run", "-c", configPath)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return checkResult{}, errEngineNotFound
		}
		return checkResult{}, fmt.Errorf("spawn engine: %w", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	if err := waitForSocksPort(ctx, socksPort); err != nil {
		return checkResult{}, err
	}

	client, err := socksHTTPClient(socksPort)
	if err != nil {
		return checkResult{}, fmt.Errorf("build socks http client: %w", err)
	}

	return runChecks(ctx, client), nil
}

func allocateEphemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForSocksPort(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(defaultXrayStartupTimeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("engine socks startup timeout")
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// socksHTTPClient builds an http.Client that dials every request through
// the local SOCKS5 port, resolving hostnames on the far side of the proxy
// (the equivalent of a socks5h:// URL) rather than locally.
func socksHTTPClient(port int) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", port), nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer does not support context")
	}
	return &http.Client{
		Transport: &http.Transport{DialContext: contextDialer.DialContext},
		Timeout:   defaultRequestTimeout,
	}, nil
}

// runChecks executes every DefaultTargets entry through client. Canonical
// latency is taken from the first required target that succeeds, since
// it is the one stable, comparable number across runs.
func runChecks(ctx context.Context, client *http.Client) checkResult {
	var canonicalLatencyMs *uint32
	var canonicalTargetID *string
	var requiredFailed []string

	for _, target := range DefaultTargets() {
		ok, elapsedMs := runOneCheck(ctx, client, target)
		if ok {
			if target.Required && canonicalLatencyMs == nil {
				v := elapsedMs
				canonicalLatencyMs = &v
				id := target.ID
				canonicalTargetID = &id
			}
			continue
		}
		if target.Required {
			requiredFailed = append(requiredFailed, target.ID)
		}
	}

	if len(requiredFailed) == 0 {
		return checkResult{OK: true, LatencyMs: canonicalLatencyMs, TargetID: canonicalTargetID}
	}
	return checkResult{OK: false, Err: fmt.Sprintf("required targets failed: %s", strings.Join(requiredFailed, ", "))}
}

func runOneCheck(ctx context.Context, client *http.Client, target ProbeTarget) (bool, uint32) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return false, clampMillis(time.Since(start))
	}

	resp, err := client.Do(req)
	elapsedMs := clampMillis(time.Since(start))
	if err != nil {
		return false, elapsedMs
	}
	defer resp.Body.Close()

	if resp.StatusCode != target.ExpectedStatus {
		return false, elapsedMs
	}
	if target.ExpectedBodyPrefix == "" {
		return true, elapsedMs
	}

	prefix := make([]byte, len(target.ExpectedBodyPrefix))
	n, _ := io.ReadFull(resp.Body, prefix)
	return n == len(prefix) && bytes.HasPrefix(prefix[:n], []byte(target.ExpectedBodyPrefix)), elapsedMs
}

func clampMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}
