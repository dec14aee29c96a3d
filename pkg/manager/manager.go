// Package manager composes the members-manager subsystems into a single
// embeddable runtime: the ID registry, the members table shards, the
// connection cache reconciler, the update queue, the command applier, the
// raft consensus group, the join coordinator and the gRPC transport. The
// components are constructed in dependency order and mutual references
// are wired back with setters once both sides exist.
package manager

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/amirimatin/members-manager/pkg/applier"
	"github.com/amirimatin/members-manager/pkg/connmgr"
	"github.com/amirimatin/members-manager/pkg/consensus"
	raftcons "github.com/amirimatin/members-manager/pkg/consensus/raft"
	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/external"
	"github.com/amirimatin/members-manager/pkg/internal/logutil"
	"github.com/amirimatin/members-manager/pkg/join"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/memberstable"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
	"github.com/amirimatin/members-manager/pkg/registry"
	"github.com/amirimatin/members-manager/pkg/transport"
	transportgrpc "github.com/amirimatin/members-manager/pkg/transport/grpc"
	"github.com/amirimatin/members-manager/pkg/updatequeue"
)

// Options configures a Manager. Shards defaults to 1 when unset: most
// embeddings don't partition the members table across shards, but the
// applier's cross-shard unanimity fan-out still runs over whatever count
// is configured.
type Options struct {
	// Self must be an assigned id: the raft engine needs a fixed identity
	// before it can start. A node that wants a cluster-assigned id runs
	// the join loop first (pkg/bootstrap.Run does this) and constructs
	// the manager with the result.
	Self   membership.NodeID
	UUID   membership.NodeUUID
	Broker membership.Broker

	Shards int

	RaftBindAddr string
	RaftDataDir  string
	Bootstrap    bool

	MgmtBindAddr string
	Seeds        []join.SeedServer

	// RefreshSeeds, when set, supplies extra join candidates on every
	// seed pass (a gossip ring, a reloaded seed file).
	RefreshSeeds func() []join.SeedServer

	NodeIDAssignmentActive bool
	JoinRetryTimeout       time.Duration
	RPCTimeout             time.Duration

	Allocator external.Allocator
	Drain     external.DrainManager

	// ClientTLS and ServerTLS are set independently, as mTLS client and
	// server configs carry different fields (ServerName vs ClientAuth).
	ClientTLS *tls.Config
	ServerTLS *tls.Config

	Logger *log.Logger
}

// Manager is the assembled, runnable members-manager instance.
type Manager struct {
	opts Options

	reg      *registry.Registry
	shards   []*memberstable.Table
	connPool *transportgrpc.Pool
	reconl   *connmgr.Reconciler
	queue    *updatequeue.Queue
	appl     *applier.Applier
	cons     *raftcons.Node
	coord    *join.Coordinator

	client *transportgrpc.Client
	server *transportgrpc.Server

	logger    *log.Logger
	startTime int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// New assembles every component in a fixed dependency order, wiring
// back-references with post-construction setters where a true constructor
// cycle would otherwise exist (the applier needs a consensus handle; the
// raft node needs an applier).
func New(opts Options) (*Manager, error) {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 2 * time.Second
	}
	if opts.JoinRetryTimeout <= 0 {
		opts.JoinRetryTimeout = 5 * time.Second
	}
	if opts.Allocator == nil {
		opts.Allocator = external.NoopAllocator{}
	}
	if opts.Drain == nil {
		opts.Drain = external.NoopDrainManager{}
	}

	metrics.Register()

	m := &Manager{opts: opts, logger: opts.Logger, startTime: time.Now().Unix()}

	m.shards = make([]*memberstable.Table, opts.Shards)
	for i := range m.shards {
		m.shards[i] = memberstable.New()
	}
	m.reg = registry.New(m.shards[0])

	client := transportgrpc.NewClient(opts.RPCTimeout)
	if opts.ClientTLS != nil {
		client.UseTLS(opts.ClientTLS)
	}
	m.client = client

	m.connPool = transportgrpc.NewPool(30*time.Second, client.DialCtx())
	m.reconl = connmgr.New(m.connPool, opts.Self, m.logger)

	m.queue = updatequeue.New(1024)

	features := external.StaticFeatures{external.FeatureNodeIDAssignment: opts.NodeIDAssignmentActive}

	m.appl = applier.New(opts.Self, m.shards, m.reg, m.reconl, m.queue, opts.Allocator, opts.Drain, features, m.logger)

	raftOpts := raftcons.Options{
		Self:               opts.Self,
		Logger:             m.logger,
		Bootstrap:          opts.Bootstrap,
		BindAddr:           opts.RaftBindAddr,
		DataDir:            opts.RaftDataDir,
		ConfigPollInterval: 200 * time.Millisecond,
		Applier:            m.appl,
		AddressOf:          m.addressOf,
	}
	node, err := raftcons.New(raftOpts)
	if err != nil {
		return nil, fmt.Errorf("manager: raft consensus: %w", err)
	}
	m.cons = node
	m.appl.SetConsensus(node)

	m.server = transportgrpc.NewServer(opts.MgmtBindAddr)
	if opts.ServerTLS != nil {
		m.server.UseTLS(opts.ServerTLS)
	}
	m.appl.SetBroadcast(func(kind string, id membership.NodeID, offset int64) {
		m.server.Broadcast(kind, int32(id), nil, offset)
	})

	m.coord = join.New(opts.Self, node, node, m.reg, m.shards[0], m.reconl, features, m.client, m.logger)

	return m, nil
}

func (m *Manager) addressOf(id membership.NodeID) (string, bool) {
	if id == m.opts.Self {
		return m.opts.RaftBindAddr, true
	}
	for _, e := range m.shards[0].Nodes() {
		if e.Broker.ID == id {
			if e.Broker.RaftAddress != "" {
				return e.Broker.RaftAddress, true
			}
			return e.Broker.RPCAddress, true
		}
	}
	return "", false
}

// Start brings up the raft group and the management RPC server, then runs
// the client-side join loop until this node observes itself admitted.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager: already started")
	}
	m.started = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.appl.SetLifecycleContext(ctx)

	if err := m.cons.Start(ctx); err != nil {
		return fmt.Errorf("manager: consensus start: %w", err)
	}

	joinFn := func(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
		return m.coord.HandleJoinRequest(ctx, req)
	}
	cfgUpdateFn := func(ctx context.Context, req transport.ConfigurationUpdateRequest) (transport.ConfigurationUpdateReply, error) {
		return m.handleConfigurationUpdate(ctx, req)
	}
	helloFn := func(ctx context.Context, req transport.HelloRequest) (transport.HelloReply, error) {
		logutil.Infof(m.logger, "manager: hello from node %v, started at %d", req.Peer, req.StartTime)
		return transport.HelloReply{}, nil
	}
	if err := m.server.Start(ctx, joinFn, cfgUpdateFn, helloFn); err != nil {
		return fmt.Errorf("manager: rpc server start: %w", err)
	}

	if m.opts.Bootstrap {
		// A bootstrapped node is never admitted through the join path, so
		// nothing replicates its broker record; publish it once this node
		// leads its single-member group.
		go m.publishSelfRecord(ctx)
		return nil
	}

	idPtr := selfRequestedID(m.opts.Self)
	cfg := join.ClientConfig{
		SelfAddress:    m.opts.Broker.RPCAddress,
		NodeUUID:       m.opts.UUID,
		RequestedID:    idPtr,
		Broker:         m.opts.Broker,
		Seeds:          m.opts.Seeds,
		RefreshSeeds:   m.opts.RefreshSeeds,
		RetryTimeout:   m.opts.JoinRetryTimeout,
		IsSelfAdmitted: m.isSelfAdmitted,
		HandleLocalSeed: func(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
			return m.coord.HandleJoinRequest(ctx, req)
		},
	}
	if m.isSelfAdmitted() {
		m.maybeUpdateCurrentNodeConfiguration(ctx)
	} else if err := join.Run(ctx, m.client, cfg, m.logger, nil); err != nil && err != errs.ErrCancelled {
		return fmt.Errorf("manager: join loop: %w", err)
	}

	go m.broadcastHello(ctx)
	return nil
}

// maybeUpdateCurrentNodeConfiguration covers a node that finds itself
// already a consensus-group member on startup but whose broker record no
// longer matches what's recorded there (address/cores/listeners changed
// while it was down): it runs the configuration-update flow instead of
// re-joining.
func (m *Manager) maybeUpdateCurrentNodeConfiguration(ctx context.Context) {
	cfg, err := m.cons.Configuration()
	if err != nil {
		return
	}
	for _, b := range cfg.Brokers {
		if b.ID != m.opts.Self {
			continue
		}
		if !b.Equal(m.opts.Broker) {
			logutil.Infof(m.logger, "manager: broker record changed while offline, dispatching configuration update")
			go func() {
				if err := m.DispatchConfigurationUpdate(ctx, m.opts.Broker); err != nil {
					logutil.Warnf(m.logger, "manager: startup configuration update dispatch stopped: %v", err)
				}
			}()
		}
		return
	}
}

// broadcastHello fires a best-effort hello RPC at every broker already in
// the consensus configuration except self. method_not_found is swallowed
// for rolling-upgrade compatibility: logged at debug, never retried.
func (m *Manager) broadcastHello(ctx context.Context) {
	cfg, err := m.cons.Configuration()
	if err != nil {
		return
	}
	req := transport.HelloRequest{Peer: m.opts.Self, StartTime: m.startTime}
	for _, b := range cfg.Brokers {
		if b.ID == m.opts.Self {
			continue
		}
		reply, err := m.client.Hello(ctx, b.RPCAddress, req)
		if err != nil {
			logutil.Debugf(m.logger, "manager: hello to %v failed: %v", b.ID, err)
			continue
		}
		if reply.Error == transport.ErrMethodNotFound {
			logutil.Debugf(m.logger, "manager: hello to %v: peer does not implement hello (rolling upgrade)", b.ID)
		}
	}
}

func (m *Manager) publishSelfRecord(ctx context.Context) {
	for {
		if m.cons.IsLeader() {
			if err := m.cons.UpdateGroupMember(m.opts.Broker, m.opts.RPCTimeout); err == nil {
				return
			}
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return
		}
	}
}

func selfRequestedID(id membership.NodeID) *membership.NodeID {
	if id == membership.UnassignedNodeID {
		return nil
	}
	return &id
}

func (m *Manager) isSelfAdmitted() bool {
	cfg, err := m.cons.Configuration()
	if err != nil {
		return false
	}
	for _, b := range cfg.Brokers {
		if b.ID == m.opts.Self {
			return true
		}
	}
	return false
}

// handleConfigurationUpdate is the server side of the configuration-update
// flow: validate the target, enforce core-count-never-decreases and the
// address-uniqueness rules, then apply locally if leader or forward
// otherwise.
func (m *Manager) handleConfigurationUpdate(ctx context.Context, req transport.ConfigurationUpdateRequest) (transport.ConfigurationUpdateReply, error) {
	if req.TargetID != m.opts.Self {
		metrics.ConfigurationUpdates.WithLabelValues("wrong_target").Inc()
		return transport.ConfigurationUpdateReply{Success: false, ErrorCode: errs.InvalidRequest}, nil
	}

	if existing, ok := m.shards[0].Get(req.Broker.ID); ok {
		if req.Broker.Properties.Cores < existing.Broker.Properties.Cores {
			metrics.ConfigurationUpdates.WithLabelValues("core_count_decrease").Inc()
			return transport.ConfigurationUpdateReply{Success: false, ErrorCode: errs.InvalidConfigurationUpdate}, nil
		}
	}
	for _, e := range m.shards[0].Nodes() {
		if e.Broker.ID == req.Broker.ID {
			continue
		}
		if e.Broker.RPCAddress == req.Broker.RPCAddress || e.Broker.SharesAdvertisedListener(req.Broker) {
			metrics.ConfigurationUpdates.WithLabelValues("address_conflict").Inc()
			return transport.ConfigurationUpdateReply{Success: false, ErrorCode: errs.InvalidConfigurationUpdate}, nil
		}
	}

	// Validation passed: refresh this node's own cached connection to the
	// updating broker before the change propagates through the controller
	// log, so in-flight dispatches reach it at the new address.
	if err := m.reconl.WarmSingle(req.Broker.ID, req.Broker.RPCAddress); err != nil {
		logutil.Warnf(m.logger, "manager: connection refresh for %v failed: %v", req.Broker.ID, err)
	}

	if !m.cons.IsLeader() {
		id, addr, ok := m.cons.Leader()
		if !ok {
			return transport.ConfigurationUpdateReply{Success: false, ErrorCode: errs.NoLeaderController}, nil
		}
		return m.client.UpdateNodeConfiguration(ctx, m.leaderMgmtAddr(id, addr), req)
	}

	if err := m.cons.UpdateGroupMember(req.Broker, m.opts.RPCTimeout); err != nil {
		metrics.ConfigurationUpdates.WithLabelValues("error").Inc()
		return transport.ConfigurationUpdateReply{Success: false, ErrorCode: errs.InvalidConfigurationUpdate}, nil
	}
	metrics.ConfigurationUpdates.WithLabelValues("success").Inc()
	return transport.ConfigurationUpdateReply{Success: true}, nil
}

// DispatchConfigurationUpdate is the client side of the
// configuration-update flow: retry indefinitely against the leader (or a
// uniformly-random member while the leader is unknown) until success. The
// retry is deliberately unbounded: a node whose record is rejected must
// keep trying, not silently give up with a stale record on file.
func (m *Manager) DispatchConfigurationUpdate(ctx context.Context, broker membership.Broker) error {
	for {
		select {
		case <-ctx.Done():
			return errs.ErrCancelled
		default:
		}

		target, addr, ok := m.pickConfigurationUpdateTarget()
		if !ok {
			if err := sleepCtx(ctx, m.opts.JoinRetryTimeout); err != nil {
				return err
			}
			continue
		}

		req := transport.ConfigurationUpdateRequest{Broker: broker, TargetID: target}
		reply, err := m.client.UpdateNodeConfiguration(ctx, addr, req)
		if err == nil && reply.Success {
			return nil
		}
		logutil.Warnf(m.logger, "manager: configuration update to %v failed (err=%v reply=%+v), retrying", target, err, reply)
		if err := sleepCtx(ctx, m.opts.JoinRetryTimeout); err != nil {
			return err
		}
	}
}

func (m *Manager) pickConfigurationUpdateTarget() (membership.NodeID, string, bool) {
	if id, addr, ok := m.cons.Leader(); ok {
		return id, m.leaderMgmtAddr(id, addr), true
	}
	nodes := m.shards[0].Nodes()
	if len(nodes) == 0 {
		return 0, "", false
	}
	pick := nodes[rand.Intn(len(nodes))]
	return pick.Broker.ID, pick.Broker.RPCAddress, true
}

// leaderMgmtAddr resolves the leader's management RPC address from its
// members-table record. The consensus layer only knows the leader's raft
// transport address, which the gRPC client must not dial; the raw address
// is returned only when no record is available yet.
func (m *Manager) leaderMgmtAddr(id membership.NodeID, raftAddr string) string {
	if e, ok := m.shards[0].Get(id); ok && e.Broker.RPCAddress != "" {
		return e.Broker.RPCAddress
	}
	return raftAddr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.ErrCancelled
	case <-t.C:
		return nil
	}
}

// Stop aborts the update queue, tears down the RPC server, the raft group
// and the connection pool. A second call is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.queue.Abort()
	_ = m.server.Stop(ctx)
	_ = m.cons.Stop()
	m.connPool.Close()
	return nil
}

// LeaderCh exposes raft leadership transitions for embedders that want to
// react without polling.
func (m *Manager) LeaderCh() <-chan consensus.LeaderInfo { return m.cons.LeaderCh() }

// Consensus returns the underlying consensus handle, for callers that need
// direct access (e.g. a CLI status command).
func (m *Manager) Consensus() consensus.Consensus { return m.cons }

// Members returns the current active members-table snapshot from the home
// shard.
func (m *Manager) Members() []membership.Entry { return m.shards[0].Nodes() }

// NextUpdate blocks until the next membership event is available (or ctx
// is done, or the manager stops) and returns it. The allocator and the
// reallocation driver consume events through this.
func (m *Manager) NextUpdate(ctx context.Context) (membership.NodeUpdate, error) {
	return m.queue.PopEventually(ctx)
}

// DrainUpdates returns every queued membership event without blocking.
func (m *Manager) DrainUpdates() []membership.NodeUpdate {
	return m.queue.DrainNonblocking()
}
