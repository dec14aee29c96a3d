// Package memberstable implements the members table: the per-shard replica
// of the broker set plus its tombstone map, with offset-tagged entries and
// a diff-producing UpdateBrokers reconciliation call.
package memberstable

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/membership"
)

// CommandKind enumerates the members-table-mutating controller commands.
type CommandKind int

const (
	CommandDecommission CommandKind = iota
	CommandRecommission
	CommandSetMaintenanceMode
)

// Command is a single members-table mutation dispatched by the command
// applier. Every shard applies the identical Command at the identical
// offset and must produce the identical errs.Code.
type Command struct {
	Kind    CommandKind
	ID      membership.NodeID
	Enabled bool // CommandSetMaintenanceMode only
}

// Table is one shard's replica of the members set.
type Table struct {
	mu         sync.RWMutex
	entries    map[membership.NodeID]membership.Entry
	tombstones map[membership.NodeID]membership.RemovedMetadata
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		entries:    make(map[membership.NodeID]membership.Entry),
		tombstones: make(map[membership.NodeID]membership.RemovedMetadata),
	}
}

// Contains reports whether id has an active members-table entry.
func (t *Table) Contains(id membership.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// IsTombstoned reports whether id has been decommissioned. A tombstoned id
// is never reused and its holder may never rejoin.
func (t *Table) IsTombstoned(id membership.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tombstones[id]
	return ok
}

// Get returns the entry bound to id.
func (t *Table) Get(id membership.NodeID) (membership.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// GetRemovedMetadataRef returns the tombstone recorded for id.
func (t *Table) GetRemovedMetadataRef(id membership.NodeID) (membership.RemovedMetadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.tombstones[id]
	return m, ok
}

// Counts returns the number of active entries and tombstones.
func (t *Table) Counts() (active, tombstoned int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries), len(t.tombstones)
}

// Nodes returns every active entry, ordered by id.
func (t *Table) Nodes() []membership.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]membership.Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Broker.ID < out[j].Broker.ID })
	return out
}

// Apply mutates the table for a single committed command and returns the
// resulting error code. The same (offset, cmd) pair against the same prior
// state must yield the same code on every shard — the command applier
// aborts the process on disagreement.
func (t *Table) Apply(offset int64, cmd Command) errs.Code {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch cmd.Kind {
	case CommandDecommission:
		return t.applyDecommissionLocked(offset, cmd.ID)
	case CommandRecommission:
		return t.applyRecommissionLocked(offset, cmd.ID)
	case CommandSetMaintenanceMode:
		return t.applyMaintenanceLocked(offset, cmd.ID, cmd.Enabled)
	default:
		return errs.InvalidRequest
	}
}

func (t *Table) applyDecommissionLocked(offset int64, id membership.NodeID) errs.Code {
	if _, tomb := t.tombstones[id]; tomb {
		return errs.Success // idempotent replay
	}
	e, ok := t.entries[id]
	if !ok {
		return errs.InvalidNodeOperation
	}
	delete(t.entries, id)
	t.tombstones[id] = membership.RemovedMetadata{LastBroker: e.Broker, Offset: offset}
	return errs.Success
}

func (t *Table) applyRecommissionLocked(offset int64, id membership.NodeID) errs.Code {
	tomb, wasTombstoned := t.tombstones[id]
	if wasTombstoned {
		delete(t.tombstones, id)
		t.entries[id] = membership.Entry{Broker: tomb.LastBroker, State: membership.StateActive, UpdateOffset: offset}
		return errs.Success
	}
	e, ok := t.entries[id]
	if !ok {
		return errs.InvalidNodeOperation
	}
	e.State = membership.StateActive
	e.UpdateOffset = offset
	t.entries[id] = e
	return errs.Success
}

func (t *Table) applyMaintenanceLocked(offset int64, id membership.NodeID, enabled bool) errs.Code {
	e, ok := t.entries[id]
	if !ok {
		return errs.InvalidNodeOperation
	}
	if enabled {
		e.State = membership.StateDraining
	} else {
		e.State = membership.StateActive
	}
	e.UpdateOffset = offset
	t.entries[id] = e
	return errs.Success
}

// UpdateBrokers reconciles the table with a new consensus-group broker list
// and returns the diff the connection cache reconciler needs. Added brokers
// get a fresh active entry; updated brokers keep their existing state;
// removed brokers move into the tombstone map.
func (t *Table) UpdateBrokers(offset int64, brokers []membership.Broker) membership.ChangedNodes {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[membership.NodeID]bool, len(brokers))
	var diff membership.ChangedNodes

	for _, b := range brokers {
		seen[b.ID] = true
		existing, ok := t.entries[b.ID]
		if !ok {
			t.entries[b.ID] = membership.Entry{Broker: b, State: membership.StateActive, UpdateOffset: offset}
			diff.Added = append(diff.Added, b)
			continue
		}
		if !existing.Broker.Equal(b) {
			existing.Broker = b
			existing.UpdateOffset = offset
			t.entries[b.ID] = existing
			diff.Updated = append(diff.Updated, b)
		}
	}

	for id, e := range t.entries {
		if seen[id] {
			continue
		}
		delete(t.entries, id)
		t.tombstones[id] = membership.RemovedMetadata{LastBroker: e.Broker, Offset: offset}
		diff.Removed = append(diff.Removed, id)
	}

	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i].ID < diff.Added[j].ID })
	sort.Slice(diff.Updated, func(i, j int) bool { return diff.Updated[i].ID < diff.Updated[j].ID })
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i] < diff.Removed[j] })
	return diff
}

type snapshotWire struct {
	Version    int                               `json:"version"`
	Entries    []membership.Entry                `json:"entries"`
	Tombstones map[string]membership.RemovedMetadata `json:"tombstones"`
}

const snapshotVersion = 1

// Snapshot serializes the table deterministically (entries sorted by id)
// for consensus-group snapshotting.
func (t *Table) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := snapshotWire{Version: snapshotVersion, Tombstones: make(map[string]membership.RemovedMetadata, len(t.tombstones))}
	for _, e := range t.entries {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Broker.ID < out.Entries[j].Broker.ID })
	for id, m := range t.tombstones {
		out.Tombstones[id.String()] = m
	}
	return json.Marshal(out)
}

// Restore replaces the table's contents from a snapshot produced by
// Snapshot. Only version 1 is understood.
func (t *Table) Restore(buf []byte) error {
	var in snapshotWire
	if err := json.Unmarshal(buf, &in); err != nil {
		return err
	}
	if in.Version != snapshotVersion {
		return fmt.Errorf("memberstable: unsupported snapshot version %d", in.Version)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[membership.NodeID]membership.Entry, len(in.Entries))
	for _, e := range in.Entries {
		t.entries[e.Broker.ID] = e
	}
	t.tombstones = make(map[membership.NodeID]membership.RemovedMetadata, len(in.Tombstones))
	for idStr, m := range in.Tombstones {
		var id int32
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		t.tombstones[membership.NodeID(id)] = m
	}
	return nil
}
