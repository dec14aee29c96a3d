package consensus

import (
	"time"

	"github.com/amirimatin/members-manager/pkg/membership"
)

// Reconfigurer exposes the two consensus-group membership mutations the
// members manager is allowed to drive directly: admitting a new broker at
// revision 0, and updating an existing broker's record in place.
type Reconfigurer interface {
	AddGroupMembers(brokers []membership.Broker, timeout time.Duration) error
	UpdateGroupMember(broker membership.Broker, timeout time.Duration) error
}
