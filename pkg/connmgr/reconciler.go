// Package connmgr implements the connection cache reconciler: it
// translates a membership diff into add/remove/update calls on the RPC
// connection pool, refusing to regress the offset it last reconciled.
package connmgr

import (
	"fmt"
	"log"
	"sync"

	"github.com/amirimatin/members-manager/pkg/internal/logutil"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
)

// Pool is the narrow connection-cache surface the reconciler drives. A
// concrete implementation lives in pkg/transport/grpc (ConnManager adapted
// to NodeID keys).
type Pool interface {
	AddOrReplace(id membership.NodeID, addr string) error
	Remove(id membership.NodeID)
}

// Reconciler owns the last reconciled offset and applies diffs to a Pool:
// removed entries first, then added and updated.
type Reconciler struct {
	mu      sync.Mutex
	pool    Pool
	self    membership.NodeID
	lastOff int64
	logger  *log.Logger
}

// New returns a Reconciler driving pool, ignoring self when reconciling.
func New(pool Pool, self membership.NodeID, logger *log.Logger) *Reconciler {
	return &Reconciler{pool: pool, self: self, logger: logger}
}

// LastOffset returns last_connection_update_offset.
func (r *Reconciler) LastOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOff
}

// Reconcile applies diff as reflecting the given controller-log offset. It
// refuses to regress: if offset is not strictly greater than the last
// reconciled offset, it is a no-op and returns false.
func (r *Reconciler) Reconcile(offset int64, diff membership.ChangedNodes) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset <= r.lastOff {
		metrics.ConnCacheStaleReconciles.Inc()
		return false, nil
	}

	for _, id := range diff.Removed {
		if id == r.self {
			continue
		}
		r.pool.Remove(id)
	}
	for _, b := range diff.Added {
		if b.ID == r.self || b.RPCAddress == "" {
			continue
		}
		if err := r.pool.AddOrReplace(b.ID, b.RPCAddress); err != nil {
			logutil.Warnf(r.logger, "connmgr: add_or_replace(%s, %s): %v", b.ID, b.RPCAddress, err)
			return false, fmt.Errorf("connmgr: add_or_replace %s: %w", b.ID, err)
		}
	}
	for _, b := range diff.Updated {
		if b.ID == r.self || b.RPCAddress == "" {
			continue
		}
		if err := r.pool.AddOrReplace(b.ID, b.RPCAddress); err != nil {
			logutil.Warnf(r.logger, "connmgr: add_or_replace(%s, %s): %v", b.ID, b.RPCAddress, err)
			return false, fmt.Errorf("connmgr: add_or_replace %s: %w", b.ID, err)
		}
	}

	r.lastOff = offset
	metrics.ConnCacheLastOffset.Set(float64(offset))
	return true, nil
}

// WarmSingle opens (or refreshes) a single connection ahead of a consensus
// append, so the group reconfiguration that follows can reach a node the
// cache hasn't dialed yet. It does not move the reconciled offset.
func (r *Reconciler) WarmSingle(id membership.NodeID, addr string) error {
	if id == r.self {
		return nil
	}
	return r.pool.AddOrReplace(id, addr)
}
