package join

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/amirimatin/members-manager/pkg/connmgr"
	"github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/external"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/memberstable"
	"github.com/amirimatin/members-manager/pkg/registry"
	"github.com/amirimatin/members-manager/pkg/transport"
)

// testConsensus is a single-process fake of the controller group: its
// Append applies register_node_uuid directly against a real registry (the
// way the command applier would on commit), and AddGroupMembers appends to
// its own in-memory configuration. It satisfies both consensus.Consensus
// and the narrower Reconfigurer the coordinator needs.
type testConsensus struct {
	leader      bool
	leaderID    membership.NodeID
	leaderAddr  string
	leaderKnown bool
	cfg         membership.GroupConfiguration
	table       *memberstable.Table
	reg         *registry.Registry
	addErr      error
}

func (f *testConsensus) Start(ctx context.Context) error { return nil }

func (f *testConsensus) Append(cmd consensus.Command, timeout time.Duration) error {
	if cmd.Op != consensus.OpRegisterNodeUUID {
		return nil
	}
	var p struct {
		UUID membership.NodeUUID `json:"uuid"`
		ID   *membership.NodeID  `json:"id,omitempty"`
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	if p.ID != nil {
		if !f.reg.TryRegister(p.UUID, *p.ID) {
			return errs.New(errs.JoinRequestDispatchError)
		}
		return nil
	}
	if _, ok := f.reg.GetOrAssign(p.UUID); !ok {
		return errs.New(errs.InvalidNodeOperation)
	}
	return nil
}

func (f *testConsensus) IsLeader() bool { return f.leader }
func (f *testConsensus) Leader() (membership.NodeID, string, bool) {
	return f.leaderID, f.leaderAddr, f.leaderKnown
}
func (f *testConsensus) Configuration() (membership.GroupConfiguration, error) { return f.cfg, nil }
func (f *testConsensus) Term() uint64                                         { return 1 }
func (f *testConsensus) Stop() error                                          { return nil }

func (f *testConsensus) AddGroupMembers(brokers []membership.Broker, timeout time.Duration) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.cfg.Brokers = append(f.cfg.Brokers, brokers...)
	if f.table != nil {
		f.table.UpdateBrokers(0, f.cfg.Brokers)
	}
	return nil
}

type fakeRPCClient struct {
	joinReply transport.JoinNodeReply
	joinErr   error
	calledTo  string
}

func (c *fakeRPCClient) JoinNode(ctx context.Context, addr string, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
	c.calledTo = addr
	return c.joinReply, c.joinErr
}
func (c *fakeRPCClient) UpdateNodeConfiguration(ctx context.Context, addr string, req transport.ConfigurationUpdateRequest) (transport.ConfigurationUpdateReply, error) {
	return transport.ConfigurationUpdateReply{}, nil
}
func (c *fakeRPCClient) Hello(ctx context.Context, addr string, req transport.HelloRequest) (transport.HelloReply, error) {
	return transport.HelloReply{}, nil
}

type noopPool struct{}

func (noopPool) AddOrReplace(id membership.NodeID, addr string) error { return nil }
func (noopPool) Remove(id membership.NodeID)                         {}

func mkUUID(b byte) membership.NodeUUID {
	var u membership.NodeUUID
	u[0] = b
	return u
}

func newTestCoordinator(self membership.NodeID, featureActive bool, asLeader bool) (*Coordinator, *testConsensus, *memberstable.Table, *fakeRPCClient) {
	table := memberstable.New()
	reg := registry.New(table)
	cons := &testConsensus{leader: asLeader, table: table, reg: reg}
	conn := connmgr.New(noopPool{}, self, nil)
	features := external.StaticFeatures{external.FeatureNodeIDAssignment: featureActive}
	client := &fakeRPCClient{}
	c := New(self, cons, cons, reg, table, conn, features, client, nil)
	return c, cons, table, client
}

func idPtr(id membership.NodeID) *membership.NodeID { return &id }

// Scenario 1: fresh join with assignment.
func TestHandleJoinRequest_FreshJoinWithAssignment(t *testing.T) {
	c, _, _, _ := newTestCoordinator(0, true, true)
	ctx := context.Background()

	reply, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Success || reply.AssignedID != 1 {
		t.Fatalf("expected success with assigned id 1, got %+v", reply)
	}

	reply2, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1), RequestedID: idPtr(1), Broker: membership.Broker{RPCAddress: "n1:1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply2.Success || reply2.AssignedID != 1 {
		t.Fatalf("expected broker admitted with id 1, got %+v", reply2)
	}
}

// Scenario 2: duplicate uuid with wrong id.
func TestHandleJoinRequest_DuplicateUUIDWrongID(t *testing.T) {
	c, _, _, _ := newTestCoordinator(0, true, true)
	ctx := context.Background()

	c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1)})
	c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1), RequestedID: idPtr(1), Broker: membership.Broker{RPCAddress: "n1:1"}})

	reply, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1), RequestedID: idPtr(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Success || reply.AssignedID != membership.UnassignedNodeID {
		t.Fatalf("expected rejection on id mismatch, got %+v", reply)
	}
}

// Scenario 3: zombie rejoin blocked after decommission.
func TestHandleJoinRequest_ZombieRejoinBlocked(t *testing.T) {
	c, cons, table, _ := newTestCoordinator(0, true, true)
	ctx := context.Background()

	c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1)})
	c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1), RequestedID: idPtr(1), Broker: membership.Broker{RPCAddress: "n1:1"}})

	if code := table.Apply(5, memberstable.Command{Kind: memberstable.CommandDecommission, ID: 1}); code != errs.Success {
		t.Fatalf("decommission setup failed: %v", code)
	}
	cons.cfg.Brokers = nil // broker removed from the consensus config too

	reply, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1), RequestedID: idPtr(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Success || reply.AssignedID != membership.UnassignedNodeID {
		t.Fatalf("expected zombie rejoin rejected, got %+v", reply)
	}
}

// Scenario 4: address conflict, legacy (feature inactive) path.
func TestHandleJoinRequest_AddressConflictLegacy(t *testing.T) {
	c, cons, _, _ := newTestCoordinator(0, false, true)
	ctx := context.Background()
	cons.cfg.Brokers = []membership.Broker{{ID: 3, RPCAddress: "dup:1"}}

	reply, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{RequestedID: idPtr(5), Broker: membership.Broker{RPCAddress: "dup:1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Success {
		t.Fatalf("expected address conflict to be rejected, got %+v", reply)
	}
}

// Scenario 6: leader forwarding, including dispatch error on RPC failure.
func TestHandleJoinRequest_LeaderForwarding(t *testing.T) {
	c, cons, _, client := newTestCoordinator(0, true, false)
	cons.leaderKnown = true
	cons.leaderID = 9
	cons.leaderAddr = "leader:1"
	client.joinReply = transport.JoinNodeReply{Success: true, AssignedID: 4}
	ctx := context.Background()

	reply, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calledTo != "leader:1" {
		t.Fatalf("expected forward to leader address, called %q", client.calledTo)
	}
	if !reply.Success || reply.AssignedID != 4 {
		t.Fatalf("expected leader's reply passed through unchanged, got %+v", reply)
	}
}

func TestHandleJoinRequest_LeaderForwarding_ResolvesManagementAddress(t *testing.T) {
	c, cons, table, client := newTestCoordinator(0, true, false)
	cons.leaderKnown = true
	cons.leaderID = 9
	cons.leaderAddr = "leader-raft:9520"
	// The members table knows the leader's full record; the forward must
	// dial its management listener, not the raft transport address the
	// consensus layer reports.
	table.UpdateBrokers(1, []membership.Broker{{ID: 9, RPCAddress: "leader-mgmt:17946", RaftAddress: "leader-raft:9520"}})
	client.joinReply = transport.JoinNodeReply{Success: true, AssignedID: 4}

	if _, err := c.HandleJoinRequest(context.Background(), transport.JoinNodeRequest{NodeUUID: mkUUID(1)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calledTo != "leader-mgmt:17946" {
		t.Fatalf("expected forward to the leader's management address, called %q", client.calledTo)
	}
}

func TestHandleJoinRequest_LeaderForwarding_DispatchError(t *testing.T) {
	c, cons, _, client := newTestCoordinator(0, true, false)
	cons.leaderKnown = true
	cons.leaderID = 9
	cons.leaderAddr = "leader:1"
	client.joinErr = context.DeadlineExceeded
	ctx := context.Background()

	reply, err := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{NodeUUID: mkUUID(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Success || reply.ErrorCode != errs.JoinRequestDispatchError {
		t.Fatalf("expected join_request_dispatch_error, got %+v", reply)
	}
}

func TestHandleJoinRequest_NoLeaderKnown(t *testing.T) {
	c, _, _, _ := newTestCoordinator(0, true, false)
	reply, err := c.HandleJoinRequest(context.Background(), transport.JoinNodeRequest{NodeUUID: mkUUID(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Success || reply.ErrorCode != errs.NoLeaderController {
		t.Fatalf("expected no_leader_controller, got %+v", reply)
	}
}

func TestHandleJoinRequest_InvalidRequestVariants(t *testing.T) {
	c, _, _, _ := newTestCoordinator(0, true, true)
	ctx := context.Background()

	// feature active, no uuid, no id.
	reply, _ := c.HandleJoinRequest(ctx, transport.JoinNodeRequest{})
	if reply.Success || reply.ErrorCode != errs.InvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", reply)
	}

	c2, _, _, _ := newTestCoordinator(0, false, true)
	reply2, _ := c2.HandleJoinRequest(ctx, transport.JoinNodeRequest{RequestedID: idPtr(membership.UnassignedNodeID)})
	if reply2.Success || reply2.ErrorCode != errs.InvalidRequest {
		t.Fatalf("expected invalid_request for legacy unassigned id, got %+v", reply2)
	}
}

func TestHandleJoinRequest_AlreadyMemberIsConfigurationUpdate(t *testing.T) {
	c, cons, table, _ := newTestCoordinator(2, true, true)
	table.UpdateBrokers(1, []membership.Broker{{ID: 5, RPCAddress: "n5:1"}})
	cons.cfg.Brokers = []membership.Broker{{ID: 5, RPCAddress: "n5:1"}}
	cons.reg.TryRegister(mkUUID(5), 5)

	reply, err := c.HandleJoinRequest(context.Background(), transport.JoinNodeRequest{NodeUUID: mkUUID(5), RequestedID: idPtr(5)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Success || reply.AssignedID != 5 {
		t.Fatalf("expected idempotent already-member reply, got %+v", reply)
	}
}
