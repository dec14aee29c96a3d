// Package registry implements the node ID registry: the UUID<->NodeID
// bijection and the assignment counter that mints fresh ids, skipping ids
// held by active or tombstoned members.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
)

// ActiveTable is the narrow view the registry needs of the members table: it
// must consult active entries and tombstones when choosing the next id, but
// must never own or mutate them.
type ActiveTable interface {
	Contains(id membership.NodeID) bool
	IsTombstoned(id membership.NodeID) bool
}

// Registry is the home-shard-only UUID<->NodeID bijection.
type Registry struct {
	mu               sync.RWMutex
	byUUID           map[membership.NodeUUID]membership.NodeID
	byID             map[membership.NodeID]membership.NodeUUID
	nextAssignedID   membership.NodeID
	initialMapLoaded bool
	table            ActiveTable
}

// New returns an empty registry. table supplies the active/tombstone view
// consulted by GetOrAssign; it may be nil, in which case GetOrAssign skips
// only the ids already bound in the registry.
func New(table ActiveTable) *Registry {
	return &Registry{
		byUUID:         make(map[membership.NodeUUID]membership.NodeID),
		byID:           make(map[membership.NodeID]membership.NodeUUID),
		nextAssignedID: membership.NodeID(1),
		table:          table,
	}
}

// TryRegister binds uuid to requestedID. It returns true if the binding now
// holds (freshly created or already identical), false on conflict.
//
// A requestedID already present in the active members table but absent from
// the registry is tolerated (rolling upgrade from a pre-UUID version): the
// binding is created as if fresh.
func (r *Registry) TryRegister(uuid membership.NodeUUID, requestedID membership.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUUID[uuid]; ok {
		return existing == requestedID
	}
	if owner, held := r.byID[requestedID]; held && owner != uuid {
		return false
	}
	r.bindLocked(uuid, requestedID)
	return true
}

// GetOrAssign returns the id bound to uuid, assigning a fresh one if needed.
// It returns (id, true) on success, or (membership.UnassignedNodeID, false)
// when the id space is exhausted.
func (r *Registry) GetOrAssign(uuid membership.NodeUUID) (membership.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byUUID[uuid]; ok {
		return id, true
	}

	for r.nextAssignedID < membership.MaxNodeID {
		candidate := r.nextAssignedID
		if r.idInUseLocked(candidate) {
			r.nextAssignedID++
			continue
		}
		r.bindLocked(uuid, candidate)
		r.nextAssignedID++
		return candidate, true
	}
	return membership.UnassignedNodeID, false
}

func (r *Registry) idInUseLocked(id membership.NodeID) bool {
	if _, ok := r.byID[id]; ok {
		return true
	}
	if r.table != nil && (r.table.Contains(id) || r.table.IsTombstoned(id)) {
		return true
	}
	return false
}

func (r *Registry) bindLocked(uuid membership.NodeUUID, id membership.NodeID) {
	r.byUUID[uuid] = id
	r.byID[id] = uuid
	if id >= r.nextAssignedID && id < membership.MaxNodeID {
		r.nextAssignedID = id + 1
	}
	metrics.RegistryAssignedIDs.Set(float64(len(r.byUUID)))
}

// LookupByUUID returns the id bound to uuid, if any.
func (r *Registry) LookupByUUID(uuid membership.NodeUUID) (membership.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUUID[uuid]
	return id, ok
}

// LookupByID returns the uuid bound to id, if any.
func (r *Registry) LookupByID(id membership.NodeID) (membership.NodeUUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	return u, ok
}

// ErrInitialMapAlreadyLoaded is the invariant violation raised by a second
// call to ApplyInitialMap.
var ErrInitialMapAlreadyLoaded = errors.New("registry: initial uuid map already loaded")

// ApplyInitialMap performs the one-shot startup load of a persisted
// UUID->NodeID mapping. If any bound id equals MaxNodeID the assignment
// counter is set to that id directly and scanning stops; otherwise it
// becomes max(1, max(ids)+1).
//
// A second call is an invariant violation: it panics.
func (r *Registry) ApplyInitialMap(m map[membership.NodeUUID]membership.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialMapLoaded {
		panic(ErrInitialMapAlreadyLoaded)
	}
	r.initialMapLoaded = true

	next := membership.NodeID(1)
	sawMax := false
	for uuid, id := range m {
		r.byUUID[uuid] = id
		r.byID[id] = uuid
		if sawMax {
			continue
		}
		if id == membership.MaxNodeID {
			next = id
			sawMax = true
			continue
		}
		if id+1 > next {
			next = id + 1
		}
	}
	r.nextAssignedID = next
}

// NextAssignedID returns the current assignment counter, for diagnostics
// and tests.
func (r *Registry) NextAssignedID() membership.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextAssignedID
}

// snapshotWire is the versioned JSON envelope for Snapshot/Restore.
type snapshotWire struct {
	Version        int                `json:"version"`
	NextAssignedID membership.NodeID  `json:"next_assigned_id"`
	Bindings       []snapshotBindings `json:"bindings"`
}

type snapshotBindings struct {
	UUID membership.NodeUUID `json:"uuid"`
	ID   membership.NodeID   `json:"id"`
}

const snapshotVersion = 1

// Snapshot serializes the registry deterministically (sorted by id) for
// consensus-group snapshotting.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := snapshotWire{Version: snapshotVersion, NextAssignedID: r.nextAssignedID}
	for id, uuid := range r.byID {
		out.Bindings = append(out.Bindings, snapshotBindings{UUID: uuid, ID: id})
	}
	sort.Slice(out.Bindings, func(i, j int) bool { return out.Bindings[i].ID < out.Bindings[j].ID })
	return json.Marshal(out)
}

// Restore replaces the registry's contents from a snapshot produced by
// Snapshot. Only version 1 is understood.
func (r *Registry) Restore(buf []byte) error {
	var in snapshotWire
	if err := json.Unmarshal(buf, &in); err != nil {
		return err
	}
	if in.Version != snapshotVersion {
		return fmt.Errorf("registry: unsupported snapshot version %d", in.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byUUID = make(map[membership.NodeUUID]membership.NodeID, len(in.Bindings))
	r.byID = make(map[membership.NodeID]membership.NodeUUID, len(in.Bindings))
	for _, b := range in.Bindings {
		r.byUUID[b.UUID] = b.ID
		r.byID[b.ID] = b.UUID
	}
	r.nextAssignedID = in.NextAssignedID
	r.initialMapLoaded = true
	return nil
}
