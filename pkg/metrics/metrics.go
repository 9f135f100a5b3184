package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_nodes_total",
			Help: "Total number of nodes in the cluster",
		},
	)

	EndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xp_endpoints_total",
			Help: "Total number of endpoints by kind",
		},
		[]string{"kind"},
	)

	GrantsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xp_grants_total",
			Help: "Total number of grants by effective-enabled state",
		},
		[]string{"enabled"},
	)

	QuotaBannedGrantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_quota_banned_grants_total",
			Help: "Number of grants currently quota-banned on this node",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xp_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admin API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xp_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xp_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xp_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xp_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xp_reconciliation_failures_total",
			Help: "Total number of reconciliation cycles that failed and were retried with backoff",
		},
	)

	ReconcilerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xp_reconciler_queue_depth",
			Help: "Number of pending requests in the reconciler mailbox",
		},
	)

	// Quota controller metrics
	QuotaTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xp_quota_tick_duration_seconds",
			Help:    "Time taken for a quota controller tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuotaBansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xp_quota_bans_total",
			Help: "Total number of grants banned for exceeding quota",
		},
	)

	QuotaUnbansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xp_quota_unbans_total",
			Help: "Total number of grants auto-unbanned on cycle rollover",
		},
	)

	// Supervisor metrics
	SupervisorStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xp_supervisor_status",
			Help: "Supervisor status by component (0=unknown, 1=up, 2=down)",
		},
		[]string{"component"},
	)

	SupervisorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xp_supervisor_restarts_total",
			Help: "Total number of restart attempts by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	// Endpoint probe metrics
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xp_probe_duration_seconds",
			Help:    "Time taken for an endpoint probe run in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint_id"},
	)

	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xp_probe_failures_total",
			Help: "Total number of failed endpoint probes",
		},
		[]string{"endpoint_id"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(EndpointsTotal)
	prometheus.MustRegister(GrantsTotal)
	prometheus.MustRegister(QuotaBannedGrantsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationFailuresTotal)
	prometheus.MustRegister(ReconcilerQueueDepth)
	prometheus.MustRegister(QuotaTickDuration)
	prometheus.MustRegister(QuotaBansTotal)
	prometheus.MustRegister(QuotaUnbansTotal)
	prometheus.MustRegister(SupervisorStatus)
	prometheus.MustRegister(SupervisorRestartsTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ProbeFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
