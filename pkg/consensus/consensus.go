// Package consensus abstracts the controller group the members manager
// replicates through: appending commands, reconfiguring the group's
// membership, and reading the leader and current configuration. The
// consensus engine itself is swappable; pkg/consensus/raft provides the
// default implementation.
package consensus

import (
	"context"
	"time"

	"github.com/amirimatin/members-manager/pkg/membership"
)

// Command is a committed controller-log entry. Op names one of the
// accepted command variants below; Payload is its JSON-encoded value.
type Command struct {
	Op      string `json:"op"`
	Payload []byte `json:"payload"`
}

// Command variant op names understood by the Command Applier.
const (
	OpRegisterNodeUUID   = "register_node_uuid"
	OpDecommissionNode   = "decommission_node"
	OpRecommissionNode   = "recommission_node"
	OpFinishReallocation = "finish_reallocations"
	OpMaintenanceMode    = "maintenance_mode"

	// OpUpdateBrokerRecord replicates a full broker record alongside a
	// group reconfiguration. The raft engine's own configuration entries
	// carry only a server id and transport address, so the management
	// address, core count, listeners and rack must travel through the
	// log as a separate command for every node to reconstruct the full
	// configuration.
	OpUpdateBrokerRecord = "update_broker_record"
)

// CommandApplier is the single entry point the consensus layer invokes for
// every committed batch. A group reconfiguration (not a logical Command) is
// delivered via HandleRaftConfigUpdate instead of ApplyCommand.
type CommandApplier interface {
	ApplyCommand(offset int64, cmd Command) error
	HandleRaftConfigUpdate(cfg membership.GroupConfiguration, offset int64)
}

// Consensus is the minimal abstraction over the controller group.
type Consensus interface {
	Start(ctx context.Context) error
	// Append replicates cmd through the controller log. Returns an error
	// (possibly wrapping an errs.Code returned by the applier) if the
	// command failed to commit or was rejected on apply.
	Append(cmd Command, timeout time.Duration) error
	IsLeader() bool
	Leader() (id membership.NodeID, addr string, ok bool)
	// Configuration returns the current consensus-group configuration.
	Configuration() (membership.GroupConfiguration, error)
	Term() uint64
	Stop() error
}
