// Package metrics declares the Prometheus collectors the members manager
// exposes: registry, members table, connection cache, update queue, join
// coordinator and raft consensus. Registration into the default registry
// is idempotent via Register.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "members_manager"

var (
	once sync.Once

	// MembersTotal counts every members-table entry, tombstones
	// included.
	MembersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members_total",
		Help:      "Current number of entries in the members table",
	})

	MembersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members_active",
		Help:      "Current number of non-tombstoned members",
	})

	RegistryAssignedIDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "assigned_ids",
		Help:      "Current number of UUID-to-node-ID assignments held by the ID registry",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "is_leader",
		Help:      "1 if this node is the raft leader for the controller group, else 0",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader change events",
	})

	RaftApplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "apply_latency_seconds",
		Help:      "Latency of command-applier round trips through the raft log",
		Buckets:   prometheus.DefBuckets,
	})

	// JoinRequests is labelled by result: assigned, accepted,
	// already_member, rejected_tombstone, rejected_id_mismatch,
	// rejected_address_conflict, error, dispatch_error.
	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "join",
		Name:      "requests_total",
		Help:      "Total join_node requests handled by this node's join coordinator",
	}, []string{"result"})

	JoinSeedAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "join",
		Name:      "seed_attempts_total",
		Help:      "Total seed-server join attempts made by the client-side join coordinator",
	}, []string{"result"})

	ConfigurationUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "config_update",
		Name:      "requests_total",
		Help:      "Total update_node_configuration requests handled, by result",
	}, []string{"result"})

	// ConnCacheLastOffset tracks the controller-log offset the connection
	// cache reconciler last applied; it only ever moves forward.
	ConnCacheLastOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "conn_cache",
		Name:      "last_offset",
		Help:      "Last members-table offset applied by the connection cache reconciler",
	})

	ConnCacheStaleReconciles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn_cache",
		Name:      "stale_reconciles_total",
		Help:      "Total reconcile calls discarded for carrying a non-increasing offset",
	})

	UpdateQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "update_queue",
		Name:      "depth",
		Help:      "Current number of buffered node updates awaiting delivery",
	})

	UpdateQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "update_queue",
		Name:      "dropped_total",
		Help:      "Total updates dropped because the queue was aborted before delivery",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})

	// NodeUpdateSubscribers/NodeUpdateBroadcastTotal cover the
	// out-of-process NodeUpdates broadcast stream.
	NodeUpdateSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node_updates",
		Name:      "subscribers",
		Help:      "Number of active NodeUpdates stream subscribers",
	})

	NodeUpdateBroadcastTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node_updates",
		Name:      "broadcast_total",
		Help:      "Total number of NodeUpdate events broadcast to stream subscribers",
	})

	GossipSeedsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "seeds_discovered_total",
		Help:      "Total number of seed addresses learned from the memberlist gossip assist",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(MembersTotal)
		prometheus.MustRegister(MembersActive)
		prometheus.MustRegister(RegistryAssignedIDs)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(RaftApplyLatency)
		prometheus.MustRegister(JoinRequests)
		prometheus.MustRegister(JoinSeedAttempts)
		prometheus.MustRegister(ConfigurationUpdates)
		prometheus.MustRegister(ConnCacheLastOffset)
		prometheus.MustRegister(ConnCacheStaleReconciles)
		prometheus.MustRegister(UpdateQueueDepth)
		prometheus.MustRegister(UpdateQueueDropped)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
		prometheus.MustRegister(NodeUpdateSubscribers)
		prometheus.MustRegister(NodeUpdateBroadcastTotal)
		prometheus.MustRegister(GossipSeedsDiscovered)
	})
}
