// Package join implements the join coordinator: the server-side validation
// of inbound join_node requests, and the client-side seed-iteration loop a
// newly starting node runs until the cluster admits it.
package join

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/amirimatin/members-manager/pkg/connmgr"
	"github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/external"
	"github.com/amirimatin/members-manager/pkg/internal/logutil"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/memberstable"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
	"github.com/amirimatin/members-manager/pkg/registry"
	"github.com/amirimatin/members-manager/pkg/transport"
)

const appendTimeout = 5 * time.Second

// Reconfigurer is the narrow consensus surface the server path drives
// directly, kept separate from consensus.Consensus so tests can supply a
// fake without building a full raft node.
type Reconfigurer interface {
	AddGroupMembers(brokers []membership.Broker, timeout time.Duration) error
}

// groupMemberUpdater is optionally implemented by a Reconfigurer that can
// refresh an existing member's record in place.
type groupMemberUpdater interface {
	UpdateGroupMember(broker membership.Broker, timeout time.Duration) error
}

// Coordinator implements both halves of the Join Coordinator.
type Coordinator struct {
	self     membership.NodeID
	cons     consensus.Consensus
	reconfig Reconfigurer
	reg      *registry.Registry
	table    *memberstable.Table
	conn     *connmgr.Reconciler
	features external.FeatureTable
	client   transport.RPCClient
	logger   *log.Logger
}

// New returns a Coordinator. cons is used for leadership/forwarding
// decisions; reconfig performs the actual group-membership mutation (it is
// usually the same concrete value as cons, narrowed to Reconfigurer).
func New(self membership.NodeID, cons consensus.Consensus, reconfig Reconfigurer, reg *registry.Registry, table *memberstable.Table, conn *connmgr.Reconciler, features external.FeatureTable, client transport.RPCClient, logger *log.Logger) *Coordinator {
	return &Coordinator{self: self, cons: cons, reconfig: reconfig, reg: reg, table: table, conn: conn, features: features, client: client, logger: logger}
}

// HandleJoinRequest validates an inbound join request and either admits
// the broker, answers idempotently, forwards to the leader, or rejects.
// The checks run in a fixed order; earlier rejections win.
func (c *Coordinator) HandleJoinRequest(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
	featureActive := c.features.IsActive(external.FeatureNodeIDAssignment)
	uuidPresent := !req.NodeUUID.IsZero()
	idRequested := req.RequestedID != nil && *req.RequestedID != membership.UnassignedNodeID

	switch {
	case featureActive && !uuidPresent:
		return c.reject(errs.InvalidRequest), nil
	case !featureActive && req.RequestedID != nil && *req.RequestedID == membership.UnassignedNodeID:
		return c.reject(errs.InvalidRequest), nil
	case !uuidPresent && !idRequested:
		return c.reject(errs.InvalidRequest), nil
	}

	if !c.cons.IsLeader() {
		return c.forwardToLeader(ctx, req)
	}

	if featureActive {
		boundID, known := c.reg.LookupByUUID(req.NodeUUID)
		if known {
			if _, tomb := c.table.GetRemovedMetadataRef(boundID); tomb {
				metrics.JoinRequests.WithLabelValues("rejected_tombstone").Inc()
				return c.reject(errs.Success), nil
			}
			if !idRequested {
				// Idempotent assignment reply; the caller re-dials with
				// the id to be admitted.
				metrics.JoinRequests.WithLabelValues("assigned").Inc()
				return transport.JoinNodeReply{Success: true, AssignedID: boundID}, nil
			}
			if *req.RequestedID != boundID {
				metrics.JoinRequests.WithLabelValues("rejected_id_mismatch").Inc()
				return c.reject(errs.Success), nil
			}
			return c.admitOrUpdate(ctx, req, boundID)
		}

		if !idRequested {
			assigned, ok := c.replicateRegisterUUID(req.NodeUUID, nil)
			if !ok {
				metrics.JoinRequests.WithLabelValues("error").Inc()
				return c.reject(errs.JoinRequestDispatchError), nil
			}
			metrics.JoinRequests.WithLabelValues("assigned").Inc()
			return transport.JoinNodeReply{Success: true, AssignedID: assigned}, nil
		}

		if _, ok := c.replicateRegisterUUID(req.NodeUUID, req.RequestedID); !ok {
			metrics.JoinRequests.WithLabelValues("error").Inc()
			return c.reject(errs.JoinRequestDispatchError), nil
		}
		return c.admitOrUpdate(ctx, req, *req.RequestedID)
	}

	// Feature inactive: legacy id-only path.
	if !idRequested {
		return c.reject(errs.InvalidRequest), nil
	}
	id := *req.RequestedID
	if c.table.IsTombstoned(id) {
		metrics.JoinRequests.WithLabelValues("rejected_tombstone").Inc()
		return c.reject(errs.Success), nil
	}
	return c.admitOrUpdateLegacy(ctx, req, id)
}

func (c *Coordinator) replicateRegisterUUID(uuid membership.NodeUUID, id *membership.NodeID) (membership.NodeID, bool) {
	payload := struct {
		UUID membership.NodeUUID `json:"uuid"`
		ID   *membership.NodeID  `json:"id,omitempty"`
	}{UUID: uuid, ID: id}
	buf, _ := json.Marshal(payload)
	if err := c.cons.Append(consensus.Command{Op: consensus.OpRegisterNodeUUID, Payload: buf}, appendTimeout); err != nil {
		logutil.Warnf(c.logger, "join: register_node_uuid append failed: %v", err)
		return membership.UnassignedNodeID, false
	}
	if id != nil {
		return *id, true
	}
	assigned, ok := c.reg.LookupByUUID(uuid)
	return assigned, ok
}

// admitOrUpdate handles "broker already in consensus config" and "add
// broker at revision 0" for the UUID path.
func (c *Coordinator) admitOrUpdate(ctx context.Context, req transport.JoinNodeRequest, id membership.NodeID) (transport.JoinNodeReply, error) {
	return c.admit(ctx, req, id, true)
}

func (c *Coordinator) admitOrUpdateLegacy(ctx context.Context, req transport.JoinNodeRequest, id membership.NodeID) (transport.JoinNodeReply, error) {
	return c.admit(ctx, req, id, false)
}

func (c *Coordinator) admit(ctx context.Context, req transport.JoinNodeRequest, id membership.NodeID, featureActive bool) (transport.JoinNodeReply, error) {
	if cfg, err := c.cons.Configuration(); err == nil && brokerInConfig(cfg, id) {
		// A join from a broker that is already a group member is a
		// configuration update in disguise: refresh its record if it
		// changed, then answer idempotently.
		if u, ok := c.reconfig.(groupMemberUpdater); ok {
			b := req.Broker
			b.ID = id
			if cur, found := c.table.Get(id); found && !cur.Broker.Equal(b) {
				if err := u.UpdateGroupMember(b, appendTimeout); err != nil {
					logutil.Warnf(c.logger, "join: member %v record refresh failed: %v", id, err)
					metrics.JoinRequests.WithLabelValues("error").Inc()
					return c.reject(errs.JoinRequestDispatchError), nil
				}
			}
		}
		metrics.JoinRequests.WithLabelValues("already_member").Inc()
		return transport.JoinNodeReply{Success: true, AssignedID: id}, nil
	}

	if !featureActive {
		if cfg, err := c.cons.Configuration(); err == nil && addressConflict(cfg, req.Broker.RPCAddress, id) {
			metrics.JoinRequests.WithLabelValues("rejected_address_conflict").Inc()
			return c.reject(errs.Success), nil
		}
	}

	broker := req.Broker
	broker.ID = id
	if id != c.self && c.conn != nil {
		c.conn.WarmSingle(id, broker.RPCAddress)
	}
	if err := c.reconfig.AddGroupMembers([]membership.Broker{broker}, appendTimeout); err != nil {
		logutil.Warnf(c.logger, "join: add_group_members failed for %v: %v", id, err)
		metrics.JoinRequests.WithLabelValues("error").Inc()
		return c.reject(errs.JoinRequestDispatchError), nil
	}
	metrics.JoinRequests.WithLabelValues("accepted").Inc()
	return transport.JoinNodeReply{Success: true, AssignedID: id}, nil
}

func (c *Coordinator) forwardToLeader(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
	leaderID, addr, ok := c.cons.Leader()
	if !ok {
		return c.reject(errs.NoLeaderController), nil
	}
	// The consensus layer reports the leader's raft transport address;
	// the forward must dial its management listener, resolved from the
	// leader's members-table record when one exists.
	if e, found := c.table.Get(leaderID); found && e.Broker.RPCAddress != "" {
		addr = e.Broker.RPCAddress
	}
	reply, err := c.client.JoinNode(ctx, addr, req)
	if err != nil {
		metrics.JoinRequests.WithLabelValues("dispatch_error").Inc()
		return c.reject(errs.JoinRequestDispatchError), nil
	}
	return reply, nil
}

func (c *Coordinator) reject(code errs.Code) transport.JoinNodeReply {
	return transport.JoinNodeReply{Success: false, AssignedID: membership.UnassignedNodeID, ErrorCode: code}
}

func brokerInConfig(cfg membership.GroupConfiguration, id membership.NodeID) bool {
	for _, b := range cfg.Brokers {
		if b.ID == id {
			return true
		}
	}
	return false
}

func addressConflict(cfg membership.GroupConfiguration, addr string, exceptID membership.NodeID) bool {
	for _, b := range cfg.Brokers {
		if b.ID != exceptID && b.RPCAddress == addr {
			return true
		}
	}
	return false
}
