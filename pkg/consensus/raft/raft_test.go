package raftcons

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/membership"
)

// fakeApplier is a minimal Applier that records committed entries, for
// tests that only care about raft's leader-election and replication
// mechanics rather than the real command semantics in pkg/applier. It
// does track broker-record commands so Configuration() can be exercised.
type fakeApplier struct {
	mu       sync.Mutex
	applied  []consensus.Command
	brokers  map[membership.NodeID]membership.Broker
	snapshot []byte
}

func (f *fakeApplier) ApplyCommand(offset int64, cmd consensus.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cmd)
	if cmd.Op == consensus.OpUpdateBrokerRecord {
		var b membership.Broker
		if err := json.Unmarshal(cmd.Payload, &b); err == nil {
			if f.brokers == nil {
				f.brokers = make(map[membership.NodeID]membership.Broker)
			}
			f.brokers[b.ID] = b
		}
	}
	return nil
}

func (f *fakeApplier) BrokerRecord(id membership.NodeID) (membership.Broker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.brokers[id]
	return b, ok
}

func (f *fakeApplier) HandleRaftConfigUpdate(cfg membership.GroupConfiguration, offset int64) {}

func (f *fakeApplier) SnapshotState() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeApplier) RestoreState(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = b
	return nil
}

func (f *fakeApplier) countApplied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func TestRaft_SingleNodeLeadership(t *testing.T) {
	n, err := New(Options{Self: 1, Bootstrap: true, ApplyTimeout: 2 * time.Second, Applier: &fakeApplier{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !n.IsLeader() {
		t.Fatalf("node did not become leader in time")
	}

	select {
	case li, ok := <-n.LeaderCh():
		if !ok {
			t.Fatalf("leader channel closed unexpectedly")
		}
		if li.ID != 1 {
			t.Fatalf("leader id = %v, want 1", li.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for leader event")
	}
}
