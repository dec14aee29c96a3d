package registry

import (
	"testing"

	"github.com/amirimatin/members-manager/pkg/membership"
)

func uuid(b byte) membership.NodeUUID {
	var u membership.NodeUUID
	u[0] = b
	return u
}

func TestRegistry_TryRegister_FreshAndIdempotent(t *testing.T) {
	r := New(nil)

	if ok := r.TryRegister(uuid(1), 5); !ok {
		t.Fatalf("fresh bind rejected")
	}
	if ok := r.TryRegister(uuid(1), 5); !ok {
		t.Fatalf("idempotent replay rejected")
	}
	if id, ok := r.LookupByUUID(uuid(1)); !ok || id != 5 {
		t.Fatalf("lookup mismatch: id=%v ok=%v", id, ok)
	}
}

func TestRegistry_TryRegister_ConflictingUUID(t *testing.T) {
	r := New(nil)
	if !r.TryRegister(uuid(1), 5) {
		t.Fatalf("fresh bind rejected")
	}
	if ok := r.TryRegister(uuid(1), 6); ok {
		t.Fatalf("conflicting requested id for same uuid should be rejected")
	}
}

func TestRegistry_TryRegister_ConflictingID(t *testing.T) {
	r := New(nil)
	if !r.TryRegister(uuid(1), 5) {
		t.Fatalf("fresh bind rejected")
	}
	if ok := r.TryRegister(uuid(2), 5); ok {
		t.Fatalf("second uuid claiming a held id should be rejected")
	}
}

func TestRegistry_GetOrAssign_SkipsTombstonesAndActive(t *testing.T) {
	table := &fakeTable{active: map[membership.NodeID]bool{2: true}, tombstoned: map[membership.NodeID]bool{1: true}}
	r := New(table)

	id, ok := r.GetOrAssign(uuid(9))
	if !ok {
		t.Fatalf("expected assignment to succeed")
	}
	if id != 3 {
		t.Fatalf("expected id 3 (1 tombstoned, 2 active), got %v", id)
	}

	// Re-querying the same uuid returns the bound id without reassigning.
	id2, ok := r.GetOrAssign(uuid(9))
	if !ok || id2 != id {
		t.Fatalf("expected stable rebind, got id=%v ok=%v", id2, ok)
	}
}

func TestRegistry_GetOrAssign_Exhaustion(t *testing.T) {
	r := New(nil)
	r.nextAssignedID = membership.MaxNodeID

	if _, ok := r.GetOrAssign(uuid(1)); ok {
		t.Fatalf("expected exhaustion to report failure")
	}
}

func TestRegistry_ApplyInitialMap_SetsCounterAndRejectsSecondCall(t *testing.T) {
	r := New(nil)
	r.ApplyInitialMap(map[membership.NodeUUID]membership.NodeID{
		uuid(1): 3,
		uuid(2): 7,
	})
	if got := r.NextAssignedID(); got != 8 {
		t.Fatalf("expected next_assigned_id=8, got %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on second ApplyInitialMap call")
		}
	}()
	r.ApplyInitialMap(map[membership.NodeUUID]membership.NodeID{uuid(3): 1})
}

func TestRegistry_ApplyInitialMap_MaxNodeIDBreaksEarly(t *testing.T) {
	r := New(nil)
	r.ApplyInitialMap(map[membership.NodeUUID]membership.NodeID{
		uuid(1): membership.MaxNodeID,
	})
	if got := r.NextAssignedID(); got != membership.MaxNodeID {
		t.Fatalf("expected next_assigned_id to land exactly on MaxNodeID, got %v", got)
	}
}

func TestRegistry_SnapshotRestoreRoundTrip(t *testing.T) {
	r := New(nil)
	r.TryRegister(uuid(1), 1)
	r.TryRegister(uuid(2), 2)

	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	r2 := New(nil)
	if err := r2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	snap2, err := r2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot2: %v", err)
	}
	if string(snap) != string(snap2) {
		t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
	}
	if id, ok := r2.LookupByUUID(uuid(2)); !ok || id != 2 {
		t.Fatalf("restored binding missing: id=%v ok=%v", id, ok)
	}
}

func TestRegistry_Bijection_PropertyReplay(t *testing.T) {
	table := &fakeTable{active: map[membership.NodeID]bool{}, tombstoned: map[membership.NodeID]bool{}}
	r := New(table)

	var assigned []membership.NodeID
	for i := byte(0); i < 50; i++ {
		id, ok := r.GetOrAssign(uuid(i))
		if !ok {
			t.Fatalf("unexpected exhaustion at i=%d", i)
		}
		assigned = append(assigned, id)
	}

	seen := make(map[membership.NodeID]bool, len(assigned))
	for _, id := range assigned {
		if seen[id] {
			t.Fatalf("id %v assigned twice: bijection violated", id)
		}
		seen[id] = true
		if id >= r.NextAssignedID() {
			t.Fatalf("next_assigned_id %v does not exceed assigned id %v", r.NextAssignedID(), id)
		}
	}
}

type fakeTable struct {
	active     map[membership.NodeID]bool
	tombstoned map[membership.NodeID]bool
}

func (f *fakeTable) Contains(id membership.NodeID) bool    { return f.active[id] }
func (f *fakeTable) IsTombstoned(id membership.NodeID) bool { return f.tombstoned[id] }
