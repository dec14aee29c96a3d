// Package applier implements the command applier: the single entry point
// invoked by the consensus layer for every committed batch. It dispatches
// by command variant, fans members-table mutations out to every in-process
// shard replica, and asserts the shards agree before returning.
package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/amirimatin/members-manager/pkg/connmgr"
	"github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/external"
	"github.com/amirimatin/members-manager/pkg/internal/logutil"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/memberstable"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
	"github.com/amirimatin/members-manager/pkg/registry"
	"github.com/amirimatin/members-manager/pkg/updatequeue"
)

// Applier composes the registry, the per-shard members tables, the
// connection cache reconciler, the update queue and the external
// collaborators into the single command-dispatch surface the consensus
// layer drives.
type Applier struct {
	self   membership.NodeID
	shards []*memberstable.Table
	reg    *registry.Registry
	conn   *connmgr.Reconciler
	queue  *updatequeue.Queue

	allocator external.Allocator
	drain     external.DrainManager
	features  external.FeatureTable

	logger *log.Logger

	mu  sync.Mutex // guards cons (set once after construction), ctx and brokers
	ctx context.Context
	// set post-construction: the consensus node needs the applier to
	// exist first, so the handle is wired back after both are built.
	cons consensus.Consensus

	// brokers is the replicated broker directory: the full record behind
	// every server id in the consensus configuration, fed by committed
	// update_broker_record commands. The raft engine itself only knows
	// ids and transport addresses.
	brokers map[membership.NodeID]membership.Broker

	// broadcast fans a delivered update out to out-of-process subscribers
	// over the NodeUpdates gRPC stream, alongside the in-process queue.
	// Optional: nil when no stream server is wired up (tests, single
	// embedded use).
	broadcast func(kind string, id membership.NodeID, offset int64)
}

// SetBroadcast installs the out-of-process fan-out hook invoked alongside
// every update-queue push.
func (a *Applier) SetBroadcast(fn func(kind string, id membership.NodeID, offset int64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.broadcast = fn
}

// New returns an Applier driving the given shard tables. shards must be
// non-empty; shards[0] is the home shard, where the registry and allocator
// updates are considered authoritative.
func New(self membership.NodeID, shards []*memberstable.Table, reg *registry.Registry, conn *connmgr.Reconciler, queue *updatequeue.Queue, allocator external.Allocator, drain external.DrainManager, features external.FeatureTable, logger *log.Logger) *Applier {
	return &Applier{
		self:      self,
		shards:    shards,
		reg:       reg,
		conn:      conn,
		queue:     queue,
		allocator: allocator,
		drain:     drain,
		features:  features,
		logger:    logger,
		ctx:       context.Background(),
		brokers:   make(map[membership.NodeID]membership.Broker),
	}
}

// SetConsensus binds the consensus handle used to read the current
// consensus-group configuration (needed by the recommission joint-state
// check). It must be called once, after the consensus layer is
// constructed, before any command is applied.
func (a *Applier) SetConsensus(c consensus.Consensus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cons = c
}

// SetLifecycleContext installs the context used for update-queue pushes.
// Cancelling it fails in-flight enqueues with errs.ErrCancelled.
func (a *Applier) SetLifecycleContext(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
}

func (a *Applier) lifecycleCtx() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

func (a *Applier) consensusHandle() consensus.Consensus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cons
}

// registerNodeUUIDPayload is the wire value for OpRegisterNodeUUID.
type registerNodeUUIDPayload struct {
	UUID membership.NodeUUID `json:"uuid"`
	ID   *membership.NodeID  `json:"id,omitempty"`
}

type nodeIDPayload struct {
	ID membership.NodeID `json:"id"`
}

type maintenanceModePayload struct {
	ID      membership.NodeID `json:"id"`
	Enabled bool              `json:"enabled"`
}

// ApplyCommand dispatches a single committed command variant.
func (a *Applier) ApplyCommand(offset int64, cmd consensus.Command) error {
	switch cmd.Op {
	case consensus.OpRegisterNodeUUID:
		return a.applyRegisterNodeUUID(cmd.Payload)
	case consensus.OpDecommissionNode:
		return a.applyDecommission(offset, cmd.Payload)
	case consensus.OpRecommissionNode:
		return a.applyRecommission(offset, cmd.Payload)
	case consensus.OpFinishReallocation:
		return a.applyFinishReallocation(offset, cmd.Payload)
	case consensus.OpMaintenanceMode:
		return a.applyMaintenanceMode(offset, cmd.Payload)
	case consensus.OpUpdateBrokerRecord:
		return a.applyBrokerRecord(cmd.Payload)
	default:
		return errs.New(errs.InvalidRequest)
	}
}

func (a *Applier) applyBrokerRecord(payload []byte) error {
	var b membership.Broker
	if err := json.Unmarshal(payload, &b); err != nil {
		return errs.Wrap(errs.InvalidRequest, err)
	}
	if b.ID == membership.UnassignedNodeID {
		return errs.New(errs.InvalidRequest)
	}
	a.mu.Lock()
	a.brokers[b.ID] = b
	a.mu.Unlock()
	return nil
}

// BrokerRecord returns the replicated full broker record for id, if one
// has been committed. The consensus layer consults this to rebuild full
// broker records from its id-and-transport-address server list.
func (a *Applier) BrokerRecord(id membership.NodeID) (membership.Broker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.brokers[id]
	return b, ok
}

func (a *Applier) applyRegisterNodeUUID(payload []byte) error {
	var p registerNodeUUIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errs.Wrap(errs.InvalidRequest, err)
	}
	if p.ID != nil {
		if !a.reg.TryRegister(p.UUID, *p.ID) {
			return errs.New(errs.JoinRequestDispatchError)
		}
		return nil
	}
	if _, ok := a.reg.GetOrAssign(p.UUID); !ok {
		return errs.New(errs.InvalidNodeOperation)
	}
	return nil
}

func (a *Applier) applyDecommission(offset int64, payload []byte) error {
	var p nodeIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errs.Wrap(errs.InvalidRequest, err)
	}
	code := a.fanOut(offset, memberstable.Command{Kind: memberstable.CommandDecommission, ID: p.ID})
	if code != errs.Success {
		return errs.New(code)
	}
	a.allocator.DecommissionNode(p.ID)
	a.enqueue(membership.NodeUpdate{ID: p.ID, Kind: membership.UpdateDecommissioned, Offset: offset})
	return nil
}

func (a *Applier) applyRecommission(offset int64, payload []byte) error {
	var p nodeIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errs.Wrap(errs.InvalidRequest, err)
	}
	if cons := a.consensusHandle(); cons != nil {
		if cfg, err := cons.Configuration(); err == nil && cfg.LearnerPendingRemoval(p.ID) {
			return errs.New(errs.InvalidNodeOperation)
		}
	}
	code := a.fanOut(offset, memberstable.Command{Kind: memberstable.CommandRecommission, ID: p.ID})
	if code != errs.Success {
		return errs.New(code)
	}
	a.allocator.RecommissionNode(p.ID)
	a.enqueue(membership.NodeUpdate{ID: p.ID, Kind: membership.UpdateRecommissioned, Offset: offset})
	return nil
}

// applyFinishReallocation never touches the members table and always
// succeeds, whether or not the id is known: it is a signal to downstream
// consumers, not a membership change.
func (a *Applier) applyFinishReallocation(offset int64, payload []byte) error {
	var p nodeIDPayload
	if err := json.Unmarshal(payload, &p); err == nil {
		a.enqueue(membership.NodeUpdate{ID: p.ID, Kind: membership.UpdateReallocationFinished, Offset: offset})
	}
	return nil
}

func (a *Applier) applyMaintenanceMode(offset int64, payload []byte) error {
	var p maintenanceModePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errs.Wrap(errs.InvalidRequest, err)
	}
	code := a.fanOut(offset, memberstable.Command{Kind: memberstable.CommandSetMaintenanceMode, ID: p.ID, Enabled: p.Enabled})
	if code != errs.Success {
		return errs.New(code)
	}
	if p.ID == a.self {
		if p.Enabled {
			a.drain.Drain()
		} else {
			a.drain.Restore()
		}
	}
	return nil
}

// fanOut applies cmd to every shard and asserts unanimous agreement. A
// disagreement means the replicas have diverged; the process aborts rather
// than returning a recoverable error.
func (a *Applier) fanOut(offset int64, cmd memberstable.Command) errs.Code {
	if len(a.shards) == 0 {
		return errs.Success
	}
	first := a.shards[0].Apply(offset, cmd)
	for i := 1; i < len(a.shards); i++ {
		code := a.shards[i].Apply(offset, cmd)
		if code != first {
			panic(fmt.Sprintf("members manager: cross-shard disagreement applying %+v at offset %d: shard 0=%v shard %d=%v", cmd, offset, first, i, code))
		}
	}
	return first
}

func (a *Applier) enqueue(upd membership.NodeUpdate) {
	if err := a.queue.PushEventually(a.lifecycleCtx(), upd); err != nil {
		metrics.UpdateQueueDropped.Inc()
		logutil.Warnf(a.logger, "applier: update queue push for %+v dropped: %v", upd, err)
	}
	a.mu.Lock()
	broadcast := a.broadcast
	a.mu.Unlock()
	if broadcast != nil {
		broadcast(upd.Kind.String(), upd.ID, upd.Offset)
	}
}

// HandleRaftConfigUpdate reacts to a consensus-group reconfiguration:
// update the allocator's node list, fan the new broker list out to every
// shard, reconcile the connection cache under the offset-monotonicity
// gate, and enqueue "added" events for the new brokers.
func (a *Applier) HandleRaftConfigUpdate(cfg membership.GroupConfiguration, offset int64) {
	a.allocator.UpdateNodes(cfg.Brokers)

	var diff membership.ChangedNodes
	for i, sh := range a.shards {
		d := sh.UpdateBrokers(offset, cfg.Brokers)
		if i == 0 {
			diff = d
		}
	}

	if offset > a.conn.LastOffset() {
		if _, err := a.conn.Reconcile(offset, diff); err != nil {
			logutil.Warnf(a.logger, "applier: connection cache reconcile at offset %d failed: %v", offset, err)
		}
	}

	active, tombstoned := a.shards[0].Counts()
	metrics.MembersActive.Set(float64(active))
	metrics.MembersTotal.Set(float64(active + tombstoned))
	for _, b := range diff.Added {
		a.enqueue(membership.NodeUpdate{ID: b.ID, Kind: membership.UpdateAdded, Offset: offset})
	}
}

// SnapshotState serializes the home shard's members table, the id
// registry and the broker directory for raft log compaction. The
// directory is sorted by id so two nodes snapshotting identical state
// produce identical bytes.
func (a *Applier) SnapshotState() ([]byte, error) {
	tableBlob, err := a.shards[0].Snapshot()
	if err != nil {
		return nil, err
	}
	regBlob, err := a.reg.Snapshot()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	brokers := make([]membership.Broker, 0, len(a.brokers))
	for _, b := range a.brokers {
		brokers = append(brokers, b)
	}
	a.mu.Unlock()
	sort.Slice(brokers, func(i, j int) bool { return brokers[i].ID < brokers[j].ID })
	return json.Marshal(struct {
		Table    json.RawMessage     `json:"table"`
		Registry json.RawMessage     `json:"registry"`
		Brokers  []membership.Broker `json:"brokers,omitempty"`
	}{Table: tableBlob, Registry: regBlob, Brokers: brokers})
}

// RestoreState restores every shard's table, the registry and the broker
// directory from a snapshot produced by SnapshotState.
func (a *Applier) RestoreState(buf []byte) error {
	var in struct {
		Table    json.RawMessage     `json:"table"`
		Registry json.RawMessage     `json:"registry"`
		Brokers  []membership.Broker `json:"brokers"`
	}
	if err := json.Unmarshal(buf, &in); err != nil {
		return err
	}
	for _, sh := range a.shards {
		if err := sh.Restore(in.Table); err != nil {
			return err
		}
	}
	if err := a.reg.Restore(in.Registry); err != nil {
		return err
	}
	a.mu.Lock()
	a.brokers = make(map[membership.NodeID]membership.Broker, len(in.Brokers))
	for _, b := range in.Brokers {
		a.brokers[b.ID] = b
	}
	a.mu.Unlock()
	return nil
}
