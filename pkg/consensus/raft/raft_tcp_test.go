package raftcons

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/membership"
)

// Three-node controller group over real TCP transports and on-disk stores
// (in temp dirs): elect a leader, admit the followers via AddGroupMembers,
// then replicate a command and check every node's applier saw it.
func TestRaft_ThreeNodeGroup_TCP(t *testing.T) {
	t.Parallel()

	mk := func(id membership.NodeID) (*Node, *fakeApplier) {
		app := &fakeApplier{}
		n, err := New(Options{
			Self:              id,
			BindAddr:          "127.0.0.1:0",
			DataDir:           t.TempDir(),
			SnapshotsRetained: 1,
			HeartbeatTimeout:  150 * time.Millisecond,
			ElectionTimeout:   300 * time.Millisecond,
			CommitTimeout:     50 * time.Millisecond,
			ApplyTimeout:      2 * time.Second,
			Applier:           app,
		})
		if err != nil {
			t.Fatalf("new %v: %v", id, err)
		}
		return n, app
	}

	n1, _ := mk(1)
	n1.opts.Bootstrap = true
	n2, app2 := mk(2)
	n3, app3 := mk(3)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, n := range []*Node{n1, n2, n3} {
		if err := n.Start(ctx); err != nil {
			t.Fatalf("start %v: %v", n.opts.Self, err)
		}
		defer n.Stop()
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n1.IsLeader() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !n1.IsLeader() {
		t.Fatalf("n1 did not become leader")
	}

	brokers := []membership.Broker{
		{ID: 2, RPCAddress: "10.0.0.2:17946", RaftAddress: n2.RaftAddr(), Properties: membership.BrokerProperties{Cores: 4}},
		{ID: 3, RPCAddress: "10.0.0.3:17946", RaftAddress: n3.RaftAddr(), Properties: membership.BrokerProperties{Cores: 4}},
	}
	if err := n1.AddGroupMembers(brokers, 3*time.Second); err != nil {
		t.Fatalf("add group members: %v", err)
	}

	awaitLeaderKnown := func(n *Node) {
		t.Helper()
		dl := time.Now().Add(5 * time.Second)
		for time.Now().Before(dl) {
			if _, _, ok := n.Leader(); ok {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Fatalf("leader unknown on %v", n.opts.Self)
	}
	awaitLeaderKnown(n1)
	awaitLeaderKnown(n2)
	awaitLeaderKnown(n3)

	cfg, err := n1.Configuration()
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	if len(cfg.Brokers) != 3 {
		t.Fatalf("expected 3 brokers in group configuration, got %d", len(cfg.Brokers))
	}
	// The configuration must carry the full replicated records, not just
	// what raft's voter list knows.
	for _, b := range cfg.Brokers {
		if b.ID == 2 {
			if b.RPCAddress != "10.0.0.2:17946" || b.Properties.Cores != 4 {
				t.Fatalf("broker 2 record not recovered from directory: %+v", b)
			}
			if b.RaftAddress != n2.RaftAddr() {
				t.Fatalf("broker 2 raft address = %q, want %q", b.RaftAddress, n2.RaftAddr())
			}
		}
	}

	payload, err := json.Marshal(struct {
		UUID membership.NodeUUID `json:"uuid"`
	}{UUID: membership.NodeUUID{9}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := n1.Append(consensus.Command{Op: consensus.OpRegisterNodeUUID, Payload: payload}, 2*time.Second); err != nil {
		t.Fatalf("append: %v", err)
	}

	awaitApplied := func(app *fakeApplier, want int) {
		t.Helper()
		dl := time.Now().Add(5 * time.Second)
		for time.Now().Before(dl) {
			if app.countApplied() >= want {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Fatalf("command did not replicate: applied=%d want>=%d", app.countApplied(), want)
	}
	awaitApplied(app2, 1)
	awaitApplied(app3, 1)
}
