// Package external declares the typed interfaces the members manager calls
// into but never implements: the partition allocator, the drain manager and
// the feature-gate table. They are narrow, caller-owned seams the core
// invokes without knowing the implementation.
package external

import "github.com/amirimatin/members-manager/pkg/membership"

// Allocator is the partition allocator's node-lifecycle surface.
type Allocator interface {
	// UpdateNodes is called on every consensus-group reconfiguration
	// with the full current broker list, on the allocator's home shard.
	UpdateNodes(brokers []membership.Broker)
	DecommissionNode(id membership.NodeID)
	RecommissionNode(id membership.NodeID)
}

// DrainManager is invoked when a maintenance-mode command targets the local
// node.
type DrainManager interface {
	Drain()
	Restore()
}

// Feature names understood by FeatureTable.IsActive.
type Feature string

const (
	FeatureNodeIDAssignment Feature = "node_id_assignment"
)

// FeatureTable answers feature-gate queries; the join coordinator consults
// FeatureNodeIDAssignment to pick its validation branch.
type FeatureTable interface {
	IsActive(f Feature) bool
}

// StaticFeatures is a fixed, process-lifetime feature table: no upgrade
// gossip or version barrier is modeled, just a boolean set at startup.
type StaticFeatures map[Feature]bool

func (s StaticFeatures) IsActive(f Feature) bool { return s[f] }

// NoopAllocator and NoopDrainManager satisfy Allocator/DrainManager for
// embeddings that don't run a partition allocator or drain lifecycle —
// the members manager core still exercises these calls, it simply has
// nowhere to forward them.
type NoopAllocator struct{}

func (NoopAllocator) UpdateNodes(brokers []membership.Broker) {}
func (NoopAllocator) DecommissionNode(id membership.NodeID)   {}
func (NoopAllocator) RecommissionNode(id membership.NodeID)   {}

type NoopDrainManager struct{}

func (NoopDrainManager) Drain()   {}
func (NoopDrainManager) Restore() {}
