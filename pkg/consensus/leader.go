package consensus

import "github.com/amirimatin/members-manager/pkg/membership"

// LeaderInfo describes the currently known controller-group leader.
type LeaderInfo struct {
	ID   membership.NodeID
	Addr string
	Term uint64
}

// LeaderNotifier is an optional interface a Consensus implementation may
// provide to push leadership changes instead of requiring polling.
type LeaderNotifier interface {
	LeaderCh() <-chan LeaderInfo
}
