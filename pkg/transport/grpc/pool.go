package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/amirimatin/members-manager/pkg/connmgr"
	"github.com/amirimatin/members-manager/pkg/membership"
)

var _ connmgr.Pool = (*Pool)(nil)

// Pool adapts the address-keyed ConnManager to the NodeID-keyed
// connmgr.Pool interface the connection cache reconciler drives.
type Pool struct {
	mu       sync.Mutex
	cm       *ConnManager
	addrByID map[membership.NodeID]string
}

// NewPool returns a Pool backed by a fresh ConnManager using dialCtx as the
// dialer (typically a *Client's dialCtx method).
func NewPool(ttl time.Duration, dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)) *Pool {
	return &Pool{cm: NewConnManager(ttl, dialer), addrByID: make(map[membership.NodeID]string)}
}

// AddOrReplace pre-warms a connection to addr for id, evicting any prior
// address cached for the same id.
func (p *Pool) AddOrReplace(id membership.NodeID, addr string) error {
	p.mu.Lock()
	old, hadOld := p.addrByID[id]
	p.addrByID[id] = addr
	p.mu.Unlock()

	if hadOld && old != addr {
		p.cm.Evict(old)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, release, err := p.cm.Get(ctx, addr)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Remove evicts the cached connection for id, if any.
func (p *Pool) Remove(id membership.NodeID) {
	p.mu.Lock()
	addr, ok := p.addrByID[id]
	delete(p.addrByID, id)
	p.mu.Unlock()
	if ok {
		p.cm.Evict(addr)
	}
}

// AddrFor returns the address currently cached for id.
func (p *Pool) AddrFor(id membership.NodeID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.addrByID[id]
	return addr, ok
}

// Close tears down every cached connection.
func (p *Pool) Close() { p.cm.Close() }
