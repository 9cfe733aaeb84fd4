/*
Package metrics provides Prometheus metrics collection and exposition for
nacosd.

Every gauge, counter, and histogram is registered at package init against
the default Prometheus registry and exposed over HTTP for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Connections: live count, close reasons      │          │
	│  │  Config: published count, subscribers, push  │          │
	│  │  Naming: instances by state, reaped, fuzzy   │          │
	│  │  Locks: by state, expired                    │          │
	│  │  Raft: leader, peers, log/applied index      │          │
	│  │  RPC: request count and duration by type     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Served by pkg/api.HealthServer at /metrics│          │
	│  │  - Format: Prometheus text exposition        │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metric Reference

nacosd_connections_total:
  - Type: Gauge
  - Description: Active client connections

nacosd_connections_closed_total{reason}:
  - Type: Counter
  - Description: Connections closed, by reason (idle, blocked, client-eof)

nacosd_configs_total:
  - Type: Gauge
  - Description: Published config entries

nacosd_config_subscribers_total:
  - Type: Gauge
  - Description: Distinct (connection, config key) subscriptions

nacosd_config_push_total{result}:
  - Type: Counter
  - Description: Config change notifications pushed, by result (sent, queue-full)

nacosd_instances_total{ephemeral, healthy}:
  - Type: GaugeVec
  - Description: Registered instances by ephemeral and health state

nacosd_instances_reaped_total:
  - Type: Counter
  - Description: Ephemeral instances removed by the health-check reaper

nacosd_fuzzy_watchers_total:
  - Type: Gauge
  - Description: Connections with at least one fuzzy-watch pattern

nacosd_locks_total{state}:
  - Type: GaugeVec
  - Description: Locks by state (locked, unlocked)

nacosd_locks_expired_total:
  - Type: Counter
  - Description: Locks reclaimed by the expiry reaper

nacosd_raft_is_leader:
  - Type: Gauge
  - Description: 1 if this node holds Raft leadership, else 0

nacosd_raft_peers_total:
  - Type: Gauge
  - Description: Raft cluster member count

nacosd_raft_log_index / nacosd_raft_applied_index:
  - Type: Gauge
  - Description: Current and last-applied Raft log index

nacosd_raft_apply_duration_seconds / nacosd_raft_commit_duration_seconds:
  - Type: Histogram
  - Description: Time to apply/commit a Raft log entry

nacosd_rpc_requests_total{type, status}:
  - Type: CounterVec
  - Description: Dispatched request count by request type and outcome

nacosd_rpc_request_duration_seconds{type}:
  - Type: HistogramVec
  - Description: Dispatch latency by request type

# Usage

	metrics.ConnectionsTotal.Inc()
	metrics.ConfigPushTotal.WithLabelValues("sent").Inc()

	timer := metrics.NewTimer()
	// ... dispatch a request ...
	timer.ObserveDurationVec(metrics.RPCRequestDuration, "ConfigPublishRequest")

# Integration Points

  - pkg/consensus: observes nacosd_raft_commit_duration_seconds in Node.Apply
  - pkg/configsvc: sets nacosd_config_subscribers_total and counts
    nacosd_config_push_total{result="sent"}
  - pkg/naming: adds to nacosd_instances_reaped_total in the expired pass
  - pkg/lockservice: increments nacosd_locks_expired_total for each expiry
    the reaper commits through Raft
  - pkg/api: serves the registry through HealthServer's /metrics handler
  - Prometheus: scrapes /metrics on the health listener

The other metrics listed above are registered and exposed, but no package
updates them, so they stay at their zero values.
*/
package metrics
