package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgenode/xp/pkg/ids"
	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

// DefaultConcurrency bounds how many endpoints one run probes at once,
// keeping a node from spawning too many proxy-engine processes at a time.
const DefaultConcurrency = 4

const defaultEngineBin = "xray"

// RunRequest describes one probe run: the hour bucket it files samples
// under, a run id for tracing, and the config_hash every participating
// node must agree on.
type RunRequest struct {
	Hour       string
	RunID      string
	ConfigHash string
	Reason     string
}

// RunAccepted is the outcome of asking the single-flight gate to start a
// run in the background.
type RunAccepted struct {
	Accepted       bool
	AlreadyRunning bool
	RunID          string
	Hour           string
}

// ConfigHashMismatchError is returned when a run request's config_hash
// doesn't match this node's own -- a stale node, or config drift across
// the cluster.
type ConfigHashMismatchError struct {
	Expected, Got string
}

func (e *ConfigHashMismatchError) Error() string {
	return fmt.Sprintf("probe config hash mismatch: expected=%s got=%s", e.Expected, e.Got)
}

// Options configures a Runner.
type Options struct {
	Concurrency int
	EngineBin   string
}

// NewOptions returns the package defaults, overridable field by field.
func NewOptions() Options {
	return Options{Concurrency: DefaultConcurrency, EngineBin: defaultEngineBin}
}

// Runner drives the endpoint probe job (§4.7): single-flight,
// hourly-aligned, provisions its own probe user/grants, and submits every
// sample from one run in a single AppendEndpointProbeSamples command.
type Runner struct {
	localNodeID string
	cluster     *raftcluster.Cluster
	probeSecret []byte
	opts        Options
	logger      zerolog.Logger

	gate chan struct{} // capacity 1, single-flight
}

// New builds a Runner. probeSecret seeds every derived probe credential;
// it must be stable across restarts and identical on every node (carried
// in the cluster join bundle alongside the other shared secrets).
func New(localNodeID string, cluster *raftcluster.Cluster, probeSecret []byte, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.EngineBin == "" {
		opts.EngineBin = defaultEngineBin
	}
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	return &Runner{
		localNodeID: localNodeID,
		cluster:     cluster,
		probeSecret: probeSecret,
		opts:        opts,
		logger:      log.WithComponent("probe"),
		gate:        gate,
	}
}

// ConfigHash returns this node's own view of the probe config hash, using
// its configured concurrency.
func (r *Runner) ConfigHash() string { return ConfigHash(r.opts.Concurrency) }

// StartBackground tries to acquire the single-flight gate without
// blocking. If another run already holds it, it reports AlreadyRunning
// rather than queuing behind it.
func (r *Runner) StartBackground(req RunRequest) RunAccepted {
	select {
	case <-r.gate:
	default:
		return RunAccepted{Accepted: false, AlreadyRunning: true, RunID: req.RunID, Hour: req.Hour}
	}

	go func() {
		defer func() { r.gate <- struct{}{} }()
		if err := r.runOnce(context.Background(), req); err != nil {
			r.logger.Warn().Err(err).Str("run_id", req.RunID).Msg("endpoint probe run failed")
		}
	}()

	return RunAccepted{Accepted: true, RunID: req.RunID, Hour: req.Hour}
}

// RunBlocking waits for the gate, runs, and returns once the run
// finishes. Used by the hourly worker, which never overlaps itself.
func (r *Runner) RunBlocking(ctx context.Context, req RunRequest) error {
	select {
	case <-r.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { r.gate <- struct{}{} }()
	return r.runOnce(ctx, req)
}

// SpawnHourlyWorker runs RunBlocking once per UTC hour boundary until ctx
// is cancelled. Intended to be launched in its own goroutine at startup.
func (r *Runner) SpawnHourlyWorker(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		req := RunRequest{
			Hour:       FormatHourKey(next),
			RunID:      ids.New(),
			ConfigHash: r.ConfigHash(),
			Reason:     "hourly",
		}
		if err := r.RunBlocking(ctx, req); err != nil {
			r.logger.Warn().Err(err).Msg("hourly endpoint probe run failed")
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, req RunRequest) error {
	localHash := r.ConfigHash()
	if localHash != req.ConfigHash {
		return &ConfigHashMismatchError{Expected: localHash, Got: req.ConfigHash}
	}

	s := r.cluster.Store()
	endpoints := s.ListEndpoints()
	nodes := s.ListNodes()
	grants := s.ListGrants()

	if err := ensureProbeUserAndGrants(r.cluster, r.probeSecret, endpoints, nodes, grants); err != nil {
		return fmt.Errorf("provision probe user/grants: %w", err)
	}

	// Refresh the grants snapshot so newly provisioned credentials are
	// visible to the checks below.
	grants = s.ListGrants()
	nodesByID := make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		nodesByID[n.NodeID] = n
	}

	samples := r.probeEndpoints(ctx, req.RunID, req.ConfigHash, endpoints, nodesByID, grants)

	// Persist every sample from this node in a single Raft command to
	// bound log churn.
	cmd := store.NewAppendEndpointProbeSamples(req.Hour, r.localNodeID, samples)
	if err := raftWriteBestEffort(r.cluster, cmd); err != nil {
		return fmt.Errorf("append endpoint probe samples: %w", err)
	}

	r.logger.Debug().
		Str("run_id", req.RunID).
		Str("hour", req.Hour).
		Str("reason", req.Reason).
		Int("samples", len(samples)).
		Msg("endpoint probe run finished")
	return nil
}

func (r *Runner) probeEndpoints(ctx context.Context, runID, configHash string, endpoints []types.Endpoint, nodesByID map[string]types.Node, grants []types.Grant) []store.EndpointProbeAppendSample {
	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	samples := make([]store.EndpointProbeAppendSample, 0, len(endpoints))

	for _, endpoint := range endpoints {
		endpoint := endpoint
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			sample := r.probeOneEndpoint(ctx, runID, configHash, endpoint, nodesByID, grants)
			mu.Lock()
			samples = append(samples, sample)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return samples
}

func (r *Runner) probeOneEndpoint(ctx context.Context, runID, configHash string, endpoint types.Endpoint, nodesByID map[string]types.Node, grants []types.Grant) store.EndpointProbeAppendSample {
	checkedAt := time.Now().UTC().Format(time.RFC3339)
	start := time.Now()
	defer func() {
		metrics.ProbeDuration.WithLabelValues(endpoint.EndpointID).Observe(time.Since(start).Seconds())
	}()

	fail := func(message string) store.EndpointProbeAppendSample {
		metrics.ProbeFailuresTotal.WithLabelValues(endpoint.EndpointID).Inc()
		return store.EndpointProbeAppendSample{
			EndpointID: endpoint.EndpointID,
			OK:         false,
			CheckedAt:  checkedAt,
			Error:      &message,
			ConfigHash: configHash,
		}
	}

	node, ok := nodesByID[endpoint.NodeID]
	if !ok {
		return fail("node not found for endpoint")
	}
	if IsLoopbackHost(node.AccessHost) {
		return fail("loopback access_host is not allowed for endpoint probes")
	}

	var grant *types.Grant
	for i := range grants {
		if grants[i].UserID == probeUserID && grants[i].EndpointID == endpoint.EndpointID {
			grant = &grants[i]
			break
		}
	}
	if grant == nil {
		return fail("probe grant not found for endpoint")
	}

	var outbound map[string]interface{}
	switch endpoint.Kind {
	case types.EndpointKindVlessRealityVisionTCP:
		if grant.Credentials.Vless == nil {
			return fail("missing vless credentials")
		}
		built, err := buildVlessOutbound(node, endpoint, grant.Credentials.Vless)
		if err != nil {
			return fail(err.Error())
		}
		outbound = built

	case types.EndpointKindSS2022AES128GCM:
		if grant.Credentials.SS2022 == nil {
			return fail("missing ss2022 credentials")
		}
		outbound = buildSS2022Outbound(node, endpoint, grant.Credentials.SS2022)

	default:
		return fail(fmt.Sprintf("unknown endpoint kind %s", endpoint.Kind))
	}

	result, err := probeThroughEngine(ctx, runID, r.opts.EngineBin, outbound)
	if err != nil {
		return fail(err.Error())
	}
	if !result.OK {
		return fail(result.Err)
	}

	return store.EndpointProbeAppendSample{
		EndpointID: endpoint.EndpointID,
		OK:         true,
		CheckedAt:  checkedAt,
		LatencyMs:  result.LatencyMs,
		TargetID:   result.TargetID,
		ConfigHash: configHash,
	}
}
