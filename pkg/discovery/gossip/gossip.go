// Package gossip implements a best-effort, eventually-consistent seed
// discovery backend over HashiCorp memberlist. It is never consulted as a
// membership authority: only the controller log decides who is a cluster
// member. A node surfaced here is merely a candidate worth sending a
// join_node request to.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/amirimatin/members-manager/pkg/discovery"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
)

// Options configures the gossip-backed discovery backend.
type Options struct {
	NodeName string
	Bind     string
	Advertise string

	// MgmtAddr is this node's management gRPC address, gossiped to peers
	// as node metadata so they can recover it without a separate lookup.
	MgmtAddr string

	Logger *log.Logger

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Discovery is a gossip ring whose Seeds are the management addresses of
// every currently-alive peer.
type Discovery struct {
	opts Options

	mu     sync.RWMutex
	ml     *memberlist.Memberlist
	closed bool
}

// New constructs a gossip discovery backend. Call Start before Seeds
// returns anything other than an empty slice, and Join to seed the gossip
// ring from known addresses (typically the same static/dns/file addresses
// used as a bootstrap fallback).
func New(opts Options) (*Discovery, error) {
	if opts.NodeName == "" {
		return nil, fmt.Errorf("gossip: empty NodeName")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("gossip: empty Bind address")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Discovery{opts: opts}, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *Discovery) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ml != nil {
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeName
	host, portStr, err := net.SplitHostPort(m.opts.Bind)
	if err != nil {
		return fmt.Errorf("gossip: invalid bind address %q: %w", m.opts.Bind, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return err
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	if m.opts.Advertise != "" {
		ahost, aportStr, err := net.SplitHostPort(m.opts.Advertise)
		if err != nil {
			return fmt.Errorf("gossip: invalid advertise address %q: %w", m.opts.Advertise, err)
		}
		aport, err := parsePort(aportStr)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}

	meta, _ := json.Marshal(gossipMeta{MgmtAddr: m.opts.MgmtAddr})
	cfg.Delegate = &nodeDelegate{meta: meta}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	m.ml = ml

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

// Join seeds the gossip ring from known bind addresses (not management
// addresses — memberlist's own protocol port).
func (m *Discovery) Join(seeds []string) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("gossip: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	_, err := ml.Join(seeds)
	return err
}

// Seeds implements discovery.Discovery: the management addresses gossiped
// by every currently-alive peer, decoded from node metadata.
func (m *Discovery) Seeds() []string {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	nodes := ml.Members()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Name == m.opts.NodeName {
			continue
		}
		var gm gossipMeta
		if len(n.Meta) > 0 {
			if err := json.Unmarshal(n.Meta, &gm); err == nil && gm.MgmtAddr != "" {
				out = append(out, gm.MgmtAddr)
			}
		}
	}
	metrics.GossipSeedsDiscovered.Add(float64(len(out)))
	return out
}

func (m *Discovery) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.ml != nil {
		_ = m.ml.Shutdown()
		m.ml = nil
	}
	return nil
}

var _ discovery.Discovery = (*Discovery)(nil)

type gossipMeta struct {
	MgmtAddr string `json:"mgmt_addr"`
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port: %q", s)
	}
	return p, nil
}

// nodeDelegate implements memberlist.Delegate, exposing this node's
// gossiped metadata; the other hooks are unused by discovery.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
