// Package membership holds the data model shared by every component of the
// members manager: node identifiers, broker records, members-table entries,
// consensus-group configuration snapshots and update-queue events.
package membership

import "fmt"

// NodeID is a 32-bit cluster-assigned node identifier.
type NodeID int32

// UnassignedNodeID is the sentinel meaning "not yet chosen".
const UnassignedNodeID NodeID = -1

// MaxNodeID is reserved as the id-space exhaustion marker.
const MaxNodeID NodeID = 1<<31 - 1

func (id NodeID) String() string {
	if id == UnassignedNodeID {
		return "unassigned"
	}
	return fmt.Sprintf("%d", int32(id))
}

// NodeUUID is an opaque 16-byte identity minted at first boot.
type NodeUUID [16]byte

func (u NodeUUID) IsZero() bool { return u == NodeUUID{} }

func (u NodeUUID) String() string {
	return fmt.Sprintf("%x", [16]byte(u))
}

// BrokerEndpoint is a named, addressable Kafka-style listener.
type BrokerEndpoint struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// BrokerProperties carries the only mutation-constrained broker field.
type BrokerProperties struct {
	Cores int `json:"cores"`
}

// Broker is the full description of a cluster member. RPCAddress is the
// management RPC listener; RaftAddress is the consensus transport listener,
// which is a separate port here because the raft engine owns its own TCP
// transport.
type Broker struct {
	ID                       NodeID           `json:"id"`
	RPCAddress               string           `json:"rpc_address"`
	RaftAddress              string           `json:"raft_address,omitempty"`
	KafkaAdvertisedListeners []BrokerEndpoint `json:"kafka_advertised_listeners"`
	Rack                     *string          `json:"rack,omitempty"`
	Properties               BrokerProperties `json:"properties"`
}

// Equal reports whether two broker records are identical in every field
// that the configuration-update flow compares.
func (b Broker) Equal(o Broker) bool {
	if b.ID != o.ID || b.RPCAddress != o.RPCAddress || b.RaftAddress != o.RaftAddress || b.Properties != o.Properties {
		return false
	}
	if (b.Rack == nil) != (o.Rack == nil) {
		return false
	}
	if b.Rack != nil && *b.Rack != *o.Rack {
		return false
	}
	if len(b.KafkaAdvertisedListeners) != len(o.KafkaAdvertisedListeners) {
		return false
	}
	for i := range b.KafkaAdvertisedListeners {
		if b.KafkaAdvertisedListeners[i] != o.KafkaAdvertisedListeners[i] {
			return false
		}
	}
	return true
}

// SharesAdvertisedListener reports whether b and o have any identical
// (name, address) Kafka advertised endpoint.
func (b Broker) SharesAdvertisedListener(o Broker) bool {
	for _, x := range b.KafkaAdvertisedListeners {
		for _, y := range o.KafkaAdvertisedListeners {
			if x == y {
				return true
			}
		}
	}
	return false
}

// MemberState is the lifecycle state of a members-table entry.
type MemberState int

const (
	StateActive MemberState = iota
	StateDraining
	StateDrained
	StateDecommissioning
)

func (s MemberState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDrained:
		return "drained"
	case StateDecommissioning:
		return "decommissioning"
	default:
		return "unknown"
	}
}

// Entry is a single members-table row.
type Entry struct {
	Broker       Broker
	State        MemberState
	UpdateOffset int64
}

// RemovedMetadata is the tombstone recorded for a decommissioned node.
type RemovedMetadata struct {
	LastBroker Broker
	Offset     int64
}

// GroupConfigState describes whether the consensus group configuration is
// in a stable or transitional state.
type GroupConfigState int

const (
	ConfigSimple GroupConfigState = iota
	ConfigJoint
)

// OldGroupConfig carries the demoted-voter set during a joint configuration.
type OldGroupConfig struct {
	Learners []NodeID
}

// GroupConfiguration is a snapshot of the consensus group's membership.
type GroupConfiguration struct {
	Brokers   []Broker
	State     GroupConfigState
	OldConfig *OldGroupConfig
}

// LearnerPendingRemoval reports whether id is a learner pending removal in a joint
// configuration's old config.
func (c GroupConfiguration) LearnerPendingRemoval(id NodeID) bool {
	if c.State != ConfigJoint || c.OldConfig == nil {
		return false
	}
	for _, l := range c.OldConfig.Learners {
		if l == id {
			return true
		}
	}
	return false
}

// NodeUpdateKind enumerates the update-queue event kinds.
type NodeUpdateKind int

const (
	UpdateAdded NodeUpdateKind = iota
	UpdateDecommissioned
	UpdateRecommissioned
	UpdateReallocationFinished
)

func (k NodeUpdateKind) String() string {
	switch k {
	case UpdateAdded:
		return "added"
	case UpdateDecommissioned:
		return "decommissioned"
	case UpdateRecommissioned:
		return "recommissioned"
	case UpdateReallocationFinished:
		return "reallocation_finished"
	default:
		return "unknown"
	}
}

// NodeUpdate is a single downstream notification carried by the update queue.
type NodeUpdate struct {
	ID     NodeID
	Kind   NodeUpdateKind
	Offset int64
}

// ChangedNodes is the diff the connection cache reconciler consumes.
type ChangedNodes struct {
	Added   []Broker
	Updated []Broker
	Removed []NodeID
}
