package raftcons

import (
	"encoding/json"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/membership"
)

// Applier is what the raft FSM needs from the Command Applier: dispatch of
// committed commands, the snapshot hooks raft needs for log compaction,
// and the replicated broker directory Configuration() rebuilds full
// broker records from. pkg/applier.Applier satisfies this.
type Applier interface {
	consensus.CommandApplier
	SnapshotState() ([]byte, error)
	RestoreState([]byte) error
	BrokerRecord(id membership.NodeID) (membership.Broker, bool)
}

// commandFSM bridges raft.FSM to an Applier. It carries no state of its
// own: every committed entry is simply handed to the Applier, which owns
// the members table shards and the id registry.
type commandFSM struct {
	applier Applier
}

func newCommandFSM(applier Applier) *commandFSM { return &commandFSM{applier: applier} }

func (f *commandFSM) Apply(l *raft.Log) interface{} {
	var cmd consensus.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	return f.applier.ApplyCommand(int64(l.Index), cmd)
}

func (f *commandFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.applier.SnapshotState()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{blob: blob, at: time.Now()}, nil
}

func (f *commandFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.applier.RestoreState(data)
}

type fsmSnapshot struct {
	blob []byte
	at   time.Time
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

var _ raft.FSM = (*commandFSM)(nil)
