// Package raftcons implements the controller-group consensus.Consensus
// abstraction on top of HashiCorp Raft: the log every membership change is
// committed through, plus the group-reconfiguration calls that admit and
// update brokers.
package raftcons

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	c "github.com/amirimatin/members-manager/pkg/consensus"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
)

// Node implements consensus.Consensus using HashiCorp Raft.
type Node struct {
	opts Options
	log  *log.Logger
	r    *raft.Raft
	lch  chan c.LeaderInfo
	addr raft.ServerAddress

	lastSeenConfig string
	stopPoll       chan struct{}

	stopMu  sync.Mutex
	stopped bool
}

func New(opts Options) (*Node, error) {
	if opts.Self == membership.UnassignedNodeID {
		return nil, fmt.Errorf("raftcons: unassigned self id")
	}
	if opts.Applier == nil {
		return nil, fmt.Errorf("raftcons: nil Applier")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ConfigPollInterval <= 0 {
		opts.ConfigPollInterval = 200 * time.Millisecond
	}
	return &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16), stopPoll: make(chan struct{})}, nil
}

func serverID(id membership.NodeID) raft.ServerID { return raft.ServerID(strconv.Itoa(int(id))) }

func parseServerID(sid raft.ServerID) (membership.NodeID, bool) {
	n, err := strconv.Atoi(string(sid))
	if err != nil {
		return membership.UnassignedNodeID, false
	}
	return membership.NodeID(n), true
}

func (n *Node) Start(ctx context.Context) error {
	if n.r != nil {
		return nil
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = serverID(n.opts.Self)
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout == 0 {
				cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
			}
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
		addr   raft.ServerAddress
		trans  raft.Transport
	)

	if n.opts.DataDir != "" {
		if n.opts.SnapshotsRetained == 0 {
			n.opts.SnapshotsRetained = 2
		}
		if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
			return err
		}
		bpath := filepath.Join(n.opts.DataDir, "raft.db")
		bstore, err := raftboltdb.NewBoltStore(bpath)
		if err != nil {
			return err
		}
		logs = bstore
		stable = bstore
		snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
		if err != nil {
			return err
		}
	} else {
		logs = raft.NewInmemStore()
		stable = raft.NewInmemStore()
		snaps = raft.NewInmemSnapshotStore()
	}

	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, os.Stderr)
		if err != nil {
			return err
		}
		trans = nt
		addr = nt.LocalAddr()
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(cfg.LocalID))
	}
	n.addr = addr

	fsm := newCommandFSM(n.opts.Applier)

	r, err := raft.NewRaft(cfg, fsm, logs, stable, snaps, trans)
	if err != nil {
		return err
	}
	n.r = r

	obsCh := make(chan raft.Observation, 32)
	observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	n.r.RegisterObserver(observer)
	go func() {
		for range obsCh {
			if r.State() == raft.Leader {
				metrics.IsLeader.Set(1)
			} else {
				metrics.IsLeader.Set(0)
			}
			metrics.LeaderChanges.Inc()
			if id, addr, ok := n.Leader(); ok {
				n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
			}
		}
	}()

	if n.opts.Bootstrap {
		bootCfg := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
		if err := n.r.BootstrapCluster(bootCfg).Error(); err != nil {
			return err
		}
	}

	go n.configPollLoop()

	go func() {
		<-ctx.Done()
		_ = n.Stop()
	}()
	return nil
}

// Append replicates cmd, blocking until it commits or the timeout elapses.
// The Command Applier's return value (an *errs.Error on operational
// failure, nil on success) is surfaced as the Apply future's response.
func (n *Node) Append(cmd c.Command, timeout time.Duration) error {
	if n.r == nil {
		return fmt.Errorf("raftcons: not started")
	}
	if n.r.State() != raft.Leader {
		return fmt.Errorf("raftcons: not leader")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	t := timeout
	if t <= 0 && n.opts.ApplyTimeout > 0 {
		t = n.opts.ApplyTimeout
	}
	start := time.Now()
	af := n.r.Apply(data, t)
	if err := af.Error(); err != nil {
		return err
	}
	metrics.RaftApplyLatency.Observe(time.Since(start).Seconds())
	if v := af.Response(); v != nil {
		if e, ok := v.(error); ok && e != nil {
			return e
		}
	}
	return nil
}

func (n *Node) IsLeader() bool {
	if n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

func (n *Node) Leader() (membership.NodeID, string, bool) {
	if n.r == nil {
		return membership.UnassignedNodeID, "", false
	}
	addr, sid := n.r.LeaderWithID()
	if sid == "" {
		return membership.UnassignedNodeID, "", false
	}
	id, ok := parseServerID(sid)
	if !ok {
		return membership.UnassignedNodeID, "", false
	}
	return id, string(addr), true
}

func (n *Node) Term() uint64 {
	if n.r == nil {
		return 0
	}
	if v := n.r.Stats()["current_term"]; v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return 0
}

// Configuration maps raft's server list onto a membership.GroupConfiguration.
// The raft engine only records a server id and transport address per
// member, so each entry is joined with the replicated broker directory to
// recover the full record (management address, cores, listeners, rack); a
// server whose record hasn't been applied yet is reported with only its id
// and transport address, and the config watcher re-emits once the record
// commits. Non-voter (staging/learner) servers are reported under
// OldConfig.Learners with State=ConfigJoint, since hashicorp/raft does not
// separately expose the old and new voter sets of an in-progress joint
// transition.
func (n *Node) Configuration() (membership.GroupConfiguration, error) {
	if n.r == nil {
		return membership.GroupConfiguration{}, fmt.Errorf("raftcons: not started")
	}
	cf := n.r.GetConfiguration()
	if err := cf.Error(); err != nil {
		return membership.GroupConfiguration{}, err
	}
	var out membership.GroupConfiguration
	var learners []membership.NodeID
	for _, srv := range cf.Configuration().Servers {
		id, ok := parseServerID(srv.ID)
		if !ok {
			continue
		}
		b := membership.Broker{ID: id}
		if rec, found := n.opts.Applier.BrokerRecord(id); found {
			b = rec
			b.ID = id
		}
		b.RaftAddress = string(srv.Address)
		out.Brokers = append(out.Brokers, b)
		if srv.Suffrage != raft.Voter {
			learners = append(learners, id)
		}
	}
	if len(learners) > 0 {
		out.State = membership.ConfigJoint
		out.OldConfig = &membership.OldGroupConfig{Learners: learners}
	}
	return out, nil
}

// Stop shuts the raft node down. It is safe to call more than once: the
// lifecycle context cancelling and an explicit Stop from the owner may
// race.
func (n *Node) Stop() error {
	n.stopMu.Lock()
	if n.stopped {
		n.stopMu.Unlock()
		return nil
	}
	n.stopped = true
	n.stopMu.Unlock()

	close(n.stopPoll)
	if n.r == nil {
		return nil
	}
	return n.r.Shutdown().Error()
}

// RaftAddr returns the transport address this node is reachable at within
// the controller group, known after Start.
func (n *Node) RaftAddr() string { return string(n.addr) }

var _ c.Consensus = (*Node)(nil)
var _ c.Reconfigurer = (*Node)(nil)

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
	select {
	case n.lch <- li:
	default:
	}
}

func (n *Node) resolveAddr(b membership.Broker) string {
	if b.RaftAddress != "" {
		return b.RaftAddress
	}
	if n.opts.AddressOf != nil {
		if a, ok := n.opts.AddressOf(b.ID); ok {
			return a
		}
	}
	return b.RPCAddress
}

// AddGroupMembers admits brokers to the controller group as voters at
// revision 0. Each broker's full record is replicated through the log
// first so every node can resolve the id the voter entry carries back to
// a management address, core count and listeners.
func (n *Node) AddGroupMembers(brokers []membership.Broker, timeout time.Duration) error {
	if n.r == nil {
		return fmt.Errorf("raftcons: not started")
	}
	for _, b := range brokers {
		if err := n.replicateBrokerRecord(b, timeout); err != nil {
			return err
		}
		if err := n.addOrReplaceVoterLocked(b, timeout); err != nil {
			return err
		}
	}
	return nil
}

// UpdateGroupMember mutates an existing broker's record in the controller
// group, re-admitting it at its new address when the address changed.
func (n *Node) UpdateGroupMember(b membership.Broker, timeout time.Duration) error {
	if n.r == nil {
		return fmt.Errorf("raftcons: not started")
	}
	if err := n.replicateBrokerRecord(b, timeout); err != nil {
		return err
	}
	return n.addOrReplaceVoterLocked(b, timeout)
}

func (n *Node) replicateBrokerRecord(b membership.Broker, timeout time.Duration) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return n.Append(c.Command{Op: c.OpUpdateBrokerRecord, Payload: payload}, timeout)
}

func (n *Node) addOrReplaceVoterLocked(b membership.Broker, timeout time.Duration) error {
	addr := raft.ServerAddress(n.resolveAddr(b))
	sid := serverID(b.ID)

	cfg := n.r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if srv.ID == sid {
				if srv.Address == addr {
					return nil
				}
				// Never remove-and-re-add self: raft already knows the
				// local transport address, and dropping the only voter
				// of a small group to fix an address string would wedge
				// it.
				if sid == serverID(n.opts.Self) {
					return nil
				}
				if err := n.r.RemoveServer(sid, 0, timeout).Error(); err != nil {
					return err
				}
				break
			}
		}
	}
	return n.r.AddVoter(sid, addr, 0, timeout).Error()
}
