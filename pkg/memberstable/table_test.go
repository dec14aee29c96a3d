package memberstable

import (
	"testing"

	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/membership"
)

func broker(id membership.NodeID, addr string) membership.Broker {
	return membership.Broker{ID: id, RPCAddress: addr, Properties: membership.BrokerProperties{Cores: 4}}
}

func TestTable_UpdateBrokers_ComputesAddedUpdatedRemoved(t *testing.T) {
	tb := New()

	diff := tb.UpdateBrokers(1, []membership.Broker{broker(1, "a:1"), broker(2, "b:1")})
	if len(diff.Added) != 2 || len(diff.Updated) != 0 || len(diff.Removed) != 0 {
		t.Fatalf("unexpected initial diff: %+v", diff)
	}

	// Address-only change on id 2 is an update, not remove+add (tie-break rule).
	diff2 := tb.UpdateBrokers(2, []membership.Broker{broker(1, "a:1"), broker(2, "b:2")})
	if len(diff2.Added) != 0 {
		t.Fatalf("expected no additions, got %+v", diff2.Added)
	}
	if len(diff2.Updated) != 1 || diff2.Updated[0].ID != 2 {
		t.Fatalf("expected id 2 updated, got %+v", diff2.Updated)
	}
	if len(diff2.Removed) != 0 {
		t.Fatalf("expected no removals, got %+v", diff2.Removed)
	}

	diff3 := tb.UpdateBrokers(3, []membership.Broker{broker(1, "a:1")})
	if len(diff3.Removed) != 1 || diff3.Removed[0] != 2 {
		t.Fatalf("expected id 2 removed, got %+v", diff3.Removed)
	}
	if !tb.IsTombstoned(2) {
		t.Fatalf("expected id 2 tombstoned after removal from config")
	}
	if tb.Contains(2) {
		t.Fatalf("removed id must not remain active")
	}
}

func TestTable_Apply_DecommissionThenRecommission(t *testing.T) {
	tb := New()
	tb.UpdateBrokers(1, []membership.Broker{broker(1, "a:1")})

	if code := tb.Apply(2, Command{Kind: CommandDecommission, ID: 1}); code != errs.Success {
		t.Fatalf("decommission: want success, got %v", code)
	}
	if !tb.IsTombstoned(1) {
		t.Fatalf("expected tombstone after decommission")
	}
	if tb.Contains(1) {
		t.Fatalf("decommissioned id must not be active")
	}

	// Idempotent replay of the same decommission succeeds without mutation.
	if code := tb.Apply(3, Command{Kind: CommandDecommission, ID: 1}); code != errs.Success {
		t.Fatalf("replayed decommission: want success, got %v", code)
	}

	if code := tb.Apply(4, Command{Kind: CommandRecommission, ID: 1}); code != errs.Success {
		t.Fatalf("recommission: want success, got %v", code)
	}
	if tb.IsTombstoned(1) {
		t.Fatalf("tombstone must be cleared after recommission")
	}
	if !tb.Contains(1) {
		t.Fatalf("expected id 1 active after recommission")
	}
}

func TestTable_Apply_UnknownIDIsInvalidNodeOperation(t *testing.T) {
	tb := New()
	if code := tb.Apply(1, Command{Kind: CommandDecommission, ID: 99}); code != errs.InvalidNodeOperation {
		t.Fatalf("want invalid_node_operation, got %v", code)
	}
	if code := tb.Apply(1, Command{Kind: CommandRecommission, ID: 99}); code != errs.InvalidNodeOperation {
		t.Fatalf("want invalid_node_operation, got %v", code)
	}
	if code := tb.Apply(1, Command{Kind: CommandSetMaintenanceMode, ID: 99, Enabled: true}); code != errs.InvalidNodeOperation {
		t.Fatalf("want invalid_node_operation, got %v", code)
	}
}

func TestTable_Apply_MaintenanceModeTogglesState(t *testing.T) {
	tb := New()
	tb.UpdateBrokers(1, []membership.Broker{broker(1, "a:1")})

	if code := tb.Apply(2, Command{Kind: CommandSetMaintenanceMode, ID: 1, Enabled: true}); code != errs.Success {
		t.Fatalf("enable maintenance: %v", code)
	}
	e, _ := tb.Get(1)
	if e.State != membership.StateDraining {
		t.Fatalf("expected draining, got %v", e.State)
	}

	if code := tb.Apply(3, Command{Kind: CommandSetMaintenanceMode, ID: 1, Enabled: false}); code != errs.Success {
		t.Fatalf("disable maintenance: %v", code)
	}
	e, _ = tb.Get(1)
	if e.State != membership.StateActive {
		t.Fatalf("expected active, got %v", e.State)
	}
}

func TestTable_SnapshotRestoreRoundTrip(t *testing.T) {
	tb := New()
	tb.UpdateBrokers(1, []membership.Broker{broker(1, "a:1"), broker(2, "b:1")})
	tb.Apply(2, Command{Kind: CommandDecommission, ID: 2})

	snap, err := tb.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	tb2 := New()
	if err := tb2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !tb2.Contains(1) {
		t.Fatalf("expected id 1 active after restore")
	}
	if !tb2.IsTombstoned(2) {
		t.Fatalf("expected id 2 tombstoned after restore")
	}

	snap2, err := tb2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot2: %v", err)
	}
	if string(snap) != string(snap2) {
		t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
	}
}

// TestTable_DeterministicReplay verifies that two independent Table
// instances fed the identical committed batch stream converge on identical
// state at every offset, the cross-shard-unanimity property the applier
// depends on.
func TestTable_DeterministicReplay(t *testing.T) {
	type step struct {
		offset int64
		update []membership.Broker
		cmd    *Command
	}
	steps := []step{
		{offset: 1, update: []membership.Broker{broker(1, "a:1"), broker(2, "b:1"), broker(3, "c:1")}},
		{offset: 2, cmd: &Command{Kind: CommandSetMaintenanceMode, ID: 2, Enabled: true}},
		{offset: 3, cmd: &Command{Kind: CommandDecommission, ID: 3}},
		{offset: 4, update: []membership.Broker{broker(1, "a:2"), broker(2, "b:1")}},
		{offset: 5, cmd: &Command{Kind: CommandRecommission, ID: 2}},
	}

	t1, t2 := New(), New()
	for _, s := range steps {
		if s.update != nil {
			t1.UpdateBrokers(s.offset, s.update)
			t2.UpdateBrokers(s.offset, s.update)
			continue
		}
		c1 := t1.Apply(s.offset, *s.cmd)
		c2 := t2.Apply(s.offset, *s.cmd)
		if c1 != c2 {
			t.Fatalf("divergent result codes at offset %d: %v vs %v", s.offset, c1, c2)
		}
	}

	s1, err := t1.Snapshot()
	if err != nil {
		t.Fatalf("snapshot t1: %v", err)
	}
	s2, err := t2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot t2: %v", err)
	}
	if string(s1) != string(s2) {
		t.Fatalf("replayed tables diverged:\n t1: %s\n t2: %s", s1, s2)
	}
}
