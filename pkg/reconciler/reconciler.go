package reconciler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgenode/xp/pkg/engineadmin"
	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPeriodicFull = 30 * time.Second
	defaultBackoffBase  = 1 * time.Second
	defaultBackoffCap   = 60 * time.Second
)

// engineClient is the subset of *engineadmin.Client the reconciler drives.
// Narrowed to an interface so tests can substitute a fake engine without
// standing up mTLS.
type engineClient interface {
	AddInbound(context.Context, *engineadmin.AddInboundRequest) (*engineadmin.AddInboundResponse, error)
	RemoveInbound(context.Context, *engineadmin.RemoveInboundRequest) (*engineadmin.RemoveInboundResponse, error)
	AddUser(context.Context, *engineadmin.AddUserRequest) (*engineadmin.AddUserResponse, error)
	RemoveUser(context.Context, *engineadmin.RemoveUserRequest) (*engineadmin.RemoveUserResponse, error)
}

type requestKind int

const (
	kindFull requestKind = iota
	kindRemoveInbound
	kindRemoveUser
	kindRebuildInbound
)

type request struct {
	kind       requestKind
	tag        string
	email      string
	endpointID string
}

// dedupKey collapses repeated requests of the same shape enqueued within
// one debounce window down to a single execution.
func (r request) dedupKey() string {
	switch r.kind {
	case kindFull:
		return "full"
	case kindRemoveInbound:
		return "remove_inbound:" + r.tag
	case kindRemoveUser:
		return "remove_user:" + r.tag + "\x00" + r.email
	case kindRebuildInbound:
		return "rebuild_inbound:" + r.endpointID
	default:
		return ""
	}
}

// Reconciler drives the colocated proxy engine's admin API toward the
// cluster's desired state (§4.3). A single goroutine owns its mailbox;
// everything else interacts with it only through the Request* methods.
type Reconciler struct {
	cluster    *raftcluster.Cluster
	engine     engineClient
	apiBaseURL string
	nodeName   string
	dataDir    string

	debounce     time.Duration
	periodicFull time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration

	logger zerolog.Logger

	mailbox chan request
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Owned only by run(); no locking needed.
	hashCache map[string]string
	ownedTags map[string]bool
}

// Option customizes a Reconciler's scheduling parameters; the zero value
// of Reconciler uses the §4.3 defaults.
type Option func(*Reconciler)

func WithDebounce(d time.Duration) Option     { return func(r *Reconciler) { r.debounce = d } }
func WithPeriodicFull(d time.Duration) Option { return func(r *Reconciler) { r.periodicFull = d } }
func WithBackoff(base, cap time.Duration) Option {
	return func(r *Reconciler) { r.backoffBase, r.backoffCap = base, cap }
}

// New builds a Reconciler for the local node identified by apiBaseURL/
// nodeName (§4.3's local-ownership match), writing migration markers
// under dataDir.
func New(cluster *raftcluster.Cluster, engine engineClient, apiBaseURL, nodeName, dataDir string, opts ...Option) *Reconciler {
	r := &Reconciler{
		cluster:      cluster,
		engine:       engine,
		apiBaseURL:   apiBaseURL,
		nodeName:     nodeName,
		dataDir:      dataDir,
		debounce:     defaultDebounce,
		periodicFull: defaultPeriodicFull,
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		logger:       log.WithComponent("reconciler"),
		mailbox:      make(chan request, 256),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		hashCache:    map[string]string{},
		ownedTags:    map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RequestFull enqueues a desired-state sweep.
func (r *Reconciler) RequestFull() { r.enqueue(request{kind: kindFull}) }

// RequestRemoveInbound enqueues a tombstone for a deleted endpoint.
func (r *Reconciler) RequestRemoveInbound(tag string) {
	r.enqueue(request{kind: kindRemoveInbound, tag: tag})
}

// RequestRemoveUser enqueues a tombstone for a deleted or disabled grant.
func (r *Reconciler) RequestRemoveUser(tag, email string) {
	r.enqueue(request{kind: kindRemoveUser, tag: tag, email: email})
}

// RequestRebuildInbound enqueues a remove/re-add cycle for one endpoint,
// e.g. after a port or Reality-key change that add_inbound alone can't
// apply in place.
func (r *Reconciler) RequestRebuildInbound(endpointID string) {
	r.enqueue(request{kind: kindRebuildInbound, endpointID: endpointID})
}

func (r *Reconciler) enqueue(req request) {
	select {
	case r.mailbox <- req:
	case <-r.stopCh:
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.periodicFull)
	defer ticker.Stop()

	pending := map[string]request{}
	var debounceTimer *time.Timer
	var debounceC <-chan time.Time
	backoffAttempt := 0

	scheduleRetry := func(batch map[string]request) {
		delay := backoffDelay(r.backoffBase, r.backoffCap, backoffAttempt)
		backoffAttempt++
		r.logger.Warn().Dur("delay", delay).Int("attempt", backoffAttempt).Msg("reconcile batch failed, retrying after backoff")
		time.AfterFunc(delay, func() {
			for _, req := range batch {
				r.enqueue(req)
			}
		})
	}

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case req := <-r.mailbox:
			pending[req.dedupKey()] = req
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(r.debounce)
				debounceC = debounceTimer.C
			} else {
				debounceTimer.Reset(r.debounce)
			}

		case <-debounceC:
			debounceTimer = nil
			debounceC = nil
			batch := pending
			pending = map[string]request{}

			if err := r.executeBatch(context.Background(), batch); err != nil {
				r.logger.Error().Err(err).Msg("reconcile batch failed")
				scheduleRetry(batch)
			} else {
				backoffAttempt = 0
			}

		case <-ticker.C:
			r.RequestFull()

		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// executeBatch runs one dedup'd set of requests. A Full in the batch is
// always applied first since it already reconciles every locally owned
// endpoint and grant; the remaining requests then run as explicit,
// idempotent follow-ups (harmless even when Full already covered them).
func (r *Reconciler) executeBatch(ctx context.Context, batch map[string]request) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if _, ok := batch["full"]; ok {
		record(r.executeFull(ctx))
	}
	for key, req := range batch {
		if key == "full" {
			continue
		}
		switch req.kind {
		case kindRemoveInbound:
			record(r.executeRemoveInbound(ctx, req.tag))
		case kindRemoveUser:
			record(r.executeRemoveUser(ctx, req.tag, req.email))
		case kindRebuildInbound:
			record(r.executeRebuildInbound(ctx, req.endpointID))
		}
	}
	return firstErr
}

func (r *Reconciler) resolveLocalNodeID(s *store.Store) (string, bool) {
	for _, n := range s.ListNodes() {
		if n.APIBaseURL == r.apiBaseURL {
			return n.NodeID, true
		}
	}
	for _, n := range s.ListNodes() {
		if n.NodeName == r.nodeName {
			return n.NodeID, true
		}
	}
	return "", false
}

func (r *Reconciler) executeFull(ctx context.Context) error {
	s := r.cluster.Store()
	localNodeID, ok := r.resolveLocalNodeID(s)
	if !ok {
		// Not yet registered as a node (e.g. mid-join); nothing local to
		// reconcile yet.
		return nil
	}

	endpoints := s.ListEndpointsByNode(localNodeID)

	// An endpoint with no cache entry yet is being applied for the first
	// time: a plain add_inbound, not a rebuild. Only a hash that actually
	// changed since a prior successful apply needs remove+re-add.
	rebuildSet := map[string]bool{}
	for _, ep := range endpoints {
		if cached, ok := r.hashCache[ep.EndpointID]; ok && cached != configHash(ep) {
			rebuildSet[ep.EndpointID] = true
		}
	}

	// A migration only needs to touch endpoints that were already applied
	// under the old encoding (i.e. already carry a hash-cache entry); an
	// endpoint being applied here for the first time is already built
	// under the current encoding and needs no rebuild on its account.
	pendingByKind := map[types.EndpointKind][]string{}
	for _, m := range pendingMigrations {
		if !migrationPending(r.dataDir, m.name) {
			continue
		}
		pendingByKind[m.kind] = append(pendingByKind[m.kind], m.name)
		for _, ep := range endpoints {
			if ep.Kind != m.kind {
				continue
			}
			if _, hasCache := r.hashCache[ep.EndpointID]; hasCache {
				rebuildSet[ep.EndpointID] = true
			}
		}
	}

	failed := map[string]bool{}
	owned := map[string]bool{}
	for _, ep := range endpoints {
		owned[ep.Tag] = true

		var err error
		if rebuildSet[ep.EndpointID] {
			err = r.rebuildInbound(ctx, ep)
		} else {
			err = r.ensureInbound(ctx, ep)
			if err == nil {
				err = r.syncUsers(ctx, ep)
			}
		}
		if err != nil {
			failed[ep.EndpointID] = true
			r.logger.Error().Err(err).Str("endpoint_id", ep.EndpointID).Str("tag", ep.Tag).Msg("reconcile endpoint failed")
			continue
		}
		r.hashCache[ep.EndpointID] = configHash(ep)
	}
	r.ownedTags = owned

	for kind, names := range pendingByKind {
		complete := true
		for _, ep := range endpoints {
			if ep.Kind == kind && failed[ep.EndpointID] {
				complete = false
			}
		}
		if !complete {
			continue
		}
		for _, name := range names {
			if err := writeMigrationMarker(r.dataDir, name); err != nil {
				r.logger.Error().Err(err).Str("migration", name).Msg("write migration marker failed")
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("full reconcile: %d endpoint(s) failed", len(failed))
	}
	return nil
}

func (r *Reconciler) ensureInbound(ctx context.Context, ep types.Endpoint) error {
	if _, err := r.engine.AddInbound(ctx, &engineadmin.AddInboundRequest{
		Tag: ep.Tag, Kind: ep.Kind, Port: ep.Port, Meta: ep.Meta,
	}); err != nil {
		return fmt.Errorf("add inbound %s: %w", ep.Tag, err)
	}
	return nil
}

func (r *Reconciler) rebuildInbound(ctx context.Context, ep types.Endpoint) error {
	if _, err := r.engine.RemoveInbound(ctx, &engineadmin.RemoveInboundRequest{Tag: ep.Tag}); err != nil {
		return fmt.Errorf("remove inbound %s: %w", ep.Tag, err)
	}
	if err := r.ensureInbound(ctx, ep); err != nil {
		return err
	}
	return r.syncUsers(ctx, ep)
}

// syncUsers adds or removes every grant belonging to ep depending on its
// effective-enabled status. One retry (add_inbound, then add_user again)
// is attempted when AddUser comes back NotFound, per §4.3.
func (r *Reconciler) syncUsers(ctx context.Context, ep types.Endpoint) error {
	s := r.cluster.Store()
	var firstErr error

	for _, g := range s.ListGrants() {
		if g.EndpointID != ep.EndpointID {
			continue
		}
		usage, found := s.GetGrantUsage(g.GrantID)
		var usagePtr *types.GrantUsage
		if found {
			usagePtr = &usage
		}
		email := types.GrantEmail(g.GrantID)

		if !types.EffectiveEnabled(g.Enabled, usagePtr) {
			if _, err := r.engine.RemoveUser(ctx, &engineadmin.RemoveUserRequest{Tag: ep.Tag, Email: email}); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("remove user %s from %s: %w", email, ep.Tag, err)
			}
			continue
		}

		_, err := r.engine.AddUser(ctx, &engineadmin.AddUserRequest{Tag: ep.Tag, Email: email, Credentials: g.Credentials})
		if err != nil && status.Code(err) == codes.NotFound {
			if rebErr := r.ensureInbound(ctx, ep); rebErr == nil {
				_, err = r.engine.AddUser(ctx, &engineadmin.AddUserRequest{Tag: ep.Tag, Email: email, Credentials: g.Credentials})
			}
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("add user %s to %s: %w", email, ep.Tag, err)
		}
	}
	return firstErr
}

func (r *Reconciler) executeRemoveInbound(ctx context.Context, tag string) error {
	if !r.ownedTags[tag] {
		r.logger.Debug().Str("tag", tag).Msg("ignoring remove_inbound for non-local tag")
		return nil
	}
	if _, err := r.engine.RemoveInbound(ctx, &engineadmin.RemoveInboundRequest{Tag: tag}); err != nil {
		return fmt.Errorf("remove inbound %s: %w", tag, err)
	}
	delete(r.ownedTags, tag)
	return nil
}

func (r *Reconciler) executeRemoveUser(ctx context.Context, tag, email string) error {
	if !r.ownedTags[tag] {
		r.logger.Debug().Str("tag", tag).Str("email", email).Msg("ignoring remove_user for non-local tag")
		return nil
	}
	if _, err := r.engine.RemoveUser(ctx, &engineadmin.RemoveUserRequest{Tag: tag, Email: email}); err != nil {
		return fmt.Errorf("remove user %s from %s: %w", email, tag, err)
	}
	return nil
}

func (r *Reconciler) executeRebuildInbound(ctx context.Context, endpointID string) error {
	ep, found := r.cluster.Store().GetEndpoint(endpointID)
	if !found {
		// Deleted between the request being enqueued and the batch
		// running; RemoveInbound (if any) will have handled cleanup.
		return nil
	}
	if err := r.rebuildInbound(ctx, ep); err != nil {
		return err
	}
	r.hashCache[ep.EndpointID] = configHash(ep)
	r.ownedTags[ep.Tag] = true
	return nil
}

// backoffDelay implements delay_n = min(cap, base*2^n) with jitter in
// [0, delay_n/4], per §4.3. math/rand's package-level functions are safe
// for concurrent use, so no locking is needed here.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
