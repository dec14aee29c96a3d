package raftcons

import (
	"log"
	"time"

	"github.com/amirimatin/members-manager/pkg/membership"
)

// Options configure the Raft-based Consensus implementation.
type Options struct {
	Self   membership.NodeID
	Logger *log.Logger

	// Bootstrap forms a single-node controller group on Start when true.
	Bootstrap bool

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration

	// BindAddr selects a TCP transport when non-empty; otherwise an
	// in-memory transport is used (single-process tests).
	BindAddr string

	// DataDir selects on-disk bolt stores when non-empty.
	DataDir string

	SnapshotsRetained int

	// ConfigPollInterval controls how often the node polls
	// raft.GetConfiguration() to detect consensus-group reconfigurations
	// and feed them to the CommandApplier's HandleRaftConfigUpdate. Polling
	// is used because hashicorp/raft does not deliver voter-set changes
	// through FSM.Apply.
	ConfigPollInterval time.Duration

	// Applier receives every committed command and every detected
	// consensus-group reconfiguration, and provides the snapshot hooks
	// raft needs for log compaction.
	Applier Applier

	// AddressOf resolves a NodeID to its raft bind address, consulted when
	// the group configuration names servers this node hasn't dialed yet.
	AddressOf func(membership.NodeID) (string, bool)
}
