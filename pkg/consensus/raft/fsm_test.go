package raftcons

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/amirimatin/members-manager/pkg/consensus"
)

// memSink is a raft.SnapshotSink backed by an in-memory buffer, for
// exercising commandFSM.Snapshot/Restore without a real snapshot store.
type memSink struct {
	buf bytes.Buffer
}

func newMemSink() *memSink                       { return &memSink{} }
func (s *memSink) Write(p []byte) (int, error)   { return s.buf.Write(p) }
func (s *memSink) Close() error                  { return nil }
func (s *memSink) ID() string                    { return "test-snapshot" }
func (s *memSink) Cancel() error                 { return nil }
func (s *memSink) readCloser() io.ReadCloser     { return io.NopCloser(bytes.NewReader(s.buf.Bytes())) }

func TestCommandFSM_ApplyDispatchesToApplier(t *testing.T) {
	app := &fakeApplier{}
	fsm := newCommandFSM(app)

	cmd := consensus.Command{Op: consensus.OpRegisterNodeUUID, Payload: []byte(`{"uuid":"aa"}`)}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if v := fsm.Apply(&raft.Log{Index: 1, Data: data}); v != nil {
		if err, ok := v.(error); ok && err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if app.countApplied() != 1 {
		t.Fatalf("applied count = %d, want 1", app.countApplied())
	}
}

func TestCommandFSM_SnapshotRestoreRoundTrips(t *testing.T) {
	app := &fakeApplier{snapshot: []byte(`{"bindings":{}}`)}
	fsm := newCommandFSM(app)

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sink := newMemSink()
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := &fakeApplier{}
	restoreFSM := newCommandFSM(restored)
	if err := restoreFSM.Restore(sink.readCloser()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if string(restored.snapshot) != string(app.snapshot) {
		t.Fatalf("restored snapshot = %q, want %q", restored.snapshot, app.snapshot)
	}
}
