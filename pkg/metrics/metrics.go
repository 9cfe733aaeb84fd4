// Package metrics exposes the Prometheus collectors for every component:
// connections, config subscriptions, naming instances, locks, and Raft.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_connections_total",
			Help: "Total number of active client connections",
		},
	)

	ConnectionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nacosd_connections_closed_total",
			Help: "Total number of connections closed by reason",
		},
		[]string{"reason"},
	)

	// Config metrics
	ConfigsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_configs_total",
			Help: "Total number of published configs",
		},
	)

	ConfigSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_config_subscribers_total",
			Help: "Total number of distinct config subscriptions",
		},
	)

	ConfigPushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nacosd_config_push_total",
			Help: "Total number of config change notifications pushed, by result",
		},
		[]string{"result"},
	)

	// Naming metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nacosd_instances_total",
			Help: "Total number of registered instances by ephemeral and health state",
		},
		[]string{"ephemeral", "healthy"},
	)

	InstancesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nacosd_instances_reaped_total",
			Help: "Total number of ephemeral instances removed by the health-check reaper",
		},
	)

	FuzzyWatchersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_fuzzy_watchers_total",
			Help: "Total number of connections with at least one fuzzy-watch pattern",
		},
	)

	// Lock metrics
	LocksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nacosd_locks_total",
			Help: "Total number of locks by state",
		},
		[]string{"state"},
	)

	LocksExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nacosd_locks_expired_total",
			Help: "Total number of locks reclaimed by the expiry reaper",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacosd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nacosd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nacosd_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nacosd_rpc_requests_total",
			Help: "Total number of RPC requests by type and status",
		},
		[]string{"type", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nacosd_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsClosedTotal)
	prometheus.MustRegister(ConfigsTotal)
	prometheus.MustRegister(ConfigSubscribersTotal)
	prometheus.MustRegister(ConfigPushTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstancesReapedTotal)
	prometheus.MustRegister(FuzzyWatchersTotal)
	prometheus.MustRegister(LocksTotal)
	prometheus.MustRegister(LocksExpiredTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
