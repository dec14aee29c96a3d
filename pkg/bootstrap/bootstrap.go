// Package bootstrap assembles a pkg/manager.Manager from a flat Config:
// resolve discovery seeds, build TLS material, wire the management
// transport, then hand everything to the component that owns lifecycle.
package bootstrap

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/amirimatin/members-manager/pkg/discovery"
	dDNS "github.com/amirimatin/members-manager/pkg/discovery/dns"
	dFile "github.com/amirimatin/members-manager/pkg/discovery/file"
	dStatic "github.com/amirimatin/members-manager/pkg/discovery/static"
	"github.com/amirimatin/members-manager/pkg/external"
	"github.com/amirimatin/members-manager/pkg/join"
	"github.com/amirimatin/members-manager/pkg/manager"
	"github.com/amirimatin/members-manager/pkg/membership"
	tlsx "github.com/amirimatin/members-manager/pkg/security/tlsconfig"
	mgmtgrpc "github.com/amirimatin/members-manager/pkg/transport/grpc"
)

// Config defines the high-level inputs needed to assemble a members-manager
// node with sensible defaults. Applications embed the manager by filling
// this structure and calling Build or Run.
type Config struct {
	// Identity
	Self       int32
	UUIDHex    string // 32 hex chars; empty generates a random uuid at Build time
	RPCAddress string
	Listeners  []membership.BrokerEndpoint
	Rack       string
	Cores      int

	Shards int

	// Raft
	RaftBindAddr string
	// RaftAdvertise is the address peers dial this node's raft transport
	// at; defaults to RaftBindAddr.
	RaftAdvertise string
	RaftDataDir   string
	Bootstrap     bool

	// Management gRPC transport
	MgmtAddr string

	// Discovery
	DiscoveryKind string // "static" (default), "dns", or "file"
	SeedsCSV      string
	DNSNamesCSV   string
	DNSPort       int
	DiscRefresh   time.Duration
	FilePath      string
	FileEnv       string

	// Discovery, when set, is an extra live seed source consulted on
	// every join pass in addition to the backend picked by DiscoveryKind
	// (typically a started gossip ring). The caller owns its lifecycle.
	Discovery discovery.Discovery

	NodeIDAssignmentActive bool
	JoinRetryTimeout       time.Duration
	RPCTimeout             time.Duration

	// TLS (optional) for the management gRPC transport
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	Allocator external.Allocator
	Drain     external.DrainManager

	Logger *log.Logger
}

// Build assembles a manager.Manager from cfg without starting it.
func Build(cfg Config) (*manager.Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	uuid, err := parseOrGenerateUUID(cfg.UUIDHex)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: node uuid: %w", err)
	}

	broker := brokerFromConfig(cfg)

	seeds := resolveSeeds(cfg)

	var clientTLS, serverTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify,
			ServerName:         cfg.TLSServerName,
		}
		// Hot-reload configs let an operator rotate certs by replacing
		// the files on disk without restarting the node.
		serverTLS, err = topts.ServerHotReload()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: server tls: %w", err)
		}
		clientTLS, err = topts.ClientHotReload()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: client tls: %w", err)
		}
	}

	opts := manager.Options{
		Self:                   membership.NodeID(cfg.Self),
		UUID:                   uuid,
		Broker:                 broker,
		Shards:                 cfg.Shards,
		RaftBindAddr:           cfg.RaftBindAddr,
		RaftDataDir:            cfg.RaftDataDir,
		Bootstrap:              cfg.Bootstrap,
		MgmtBindAddr:           cfg.MgmtAddr,
		Seeds:                  seeds,
		NodeIDAssignmentActive: cfg.NodeIDAssignmentActive,
		JoinRetryTimeout:       cfg.JoinRetryTimeout,
		RPCTimeout:             cfg.RPCTimeout,
		Allocator:              cfg.Allocator,
		Drain:                  cfg.Drain,
		Logger:                 cfg.Logger,
	}
	opts.ClientTLS = clientTLS
	opts.ServerTLS = serverTLS

	if d := cfg.Discovery; d != nil {
		opts.RefreshSeeds = func() []join.SeedServer {
			addrs := d.Seeds()
			out := make([]join.SeedServer, 0, len(addrs))
			for _, a := range addrs {
				out = append(out, join.SeedServer{Address: a, NodeID: membership.UnassignedNodeID})
			}
			return out
		}
	}

	return manager.New(opts)
}

// Run builds and starts the manager, returning the instance for lifecycle
// control. The caller is responsible for calling Stop when finished.
//
// A node configured without an id (Self == -1, not bootstrapping) first runs
// a standalone pre-join against the seed servers to obtain one: the raft
// engine needs a fixed identity before it can start, so id acquisition
// must complete before the manager is even assembled. The generated node
// uuid is pinned into cfg so the pre-join and the assembled manager agree
// on it.
func Run(ctx context.Context, cfg Config) (*manager.Manager, error) {
	if membership.NodeID(cfg.Self) == membership.UnassignedNodeID && !cfg.Bootstrap {
		id, err := preJoin(ctx, &cfg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: pre-join: %w", err)
		}
		cfg.Self = int32(id)
	}

	m, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// preJoin walks the configured seed servers with an unassigned id until
// the cluster assigns and admits one. It mutates cfg.UUIDHex when no uuid
// was configured, so the later Build call reuses the same identity.
func preJoin(ctx context.Context, cfg *Config) (membership.NodeID, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.UUIDHex == "" {
		uuid, err := parseOrGenerateUUID("")
		if err != nil {
			return membership.UnassignedNodeID, err
		}
		cfg.UUIDHex = hex.EncodeToString(uuid[:])
	}
	uuid, err := parseOrGenerateUUID(cfg.UUIDHex)
	if err != nil {
		return membership.UnassignedNodeID, err
	}

	client := mgmtgrpc.NewClient(cfg.RPCTimeout)
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify,
			ServerName:         cfg.TLSServerName,
		}
		cliTLS, err := topts.Client()
		if err != nil {
			return membership.UnassignedNodeID, err
		}
		if cliTLS != nil {
			client.UseTLS(cliTLS)
		}
	}

	assigned := membership.UnassignedNodeID
	jcfg := join.ClientConfig{
		NodeUUID:     uuid,
		Broker:       brokerFromConfig(*cfg),
		Seeds:        resolveSeeds(*cfg),
		RetryTimeout: cfg.JoinRetryTimeout,
	}
	if d := cfg.Discovery; d != nil {
		jcfg.RefreshSeeds = func() []join.SeedServer {
			addrs := d.Seeds()
			out := make([]join.SeedServer, 0, len(addrs))
			for _, a := range addrs {
				out = append(out, join.SeedServer{Address: a, NodeID: membership.UnassignedNodeID})
			}
			return out
		}
	}
	if err := join.Run(ctx, client, jcfg, cfg.Logger, func(id membership.NodeID) { assigned = id }); err != nil {
		return membership.UnassignedNodeID, err
	}
	if assigned == membership.UnassignedNodeID {
		return membership.UnassignedNodeID, fmt.Errorf("join succeeded without an assigned id")
	}
	return assigned, nil
}

func brokerFromConfig(cfg Config) membership.Broker {
	var rack *string
	if cfg.Rack != "" {
		rack = &cfg.Rack
	}
	raftAdv := cfg.RaftAdvertise
	if raftAdv == "" {
		raftAdv = cfg.RaftBindAddr
	}
	return membership.Broker{
		ID:                       membership.NodeID(cfg.Self),
		RPCAddress:               cfg.RPCAddress,
		RaftAddress:              raftAdv,
		KafkaAdvertisedListeners: cfg.Listeners,
		Rack:                     rack,
		Properties:               membership.BrokerProperties{Cores: cfg.Cores},
	}
}

// resolveSeeds picks a discovery backend per cfg.DiscoveryKind and converts
// the resolved addresses into join.SeedServer values. Seeds discovered this
// way carry no id hint: none of the bundled discovery backends advertise a
// structured {address, node_id} pair, so every non-local seed is tried with
// membership.UnassignedNodeID and the join coordinator resolves the real id
// over the wire.
func resolveSeeds(cfg Config) []join.SeedServer {
	var addrs []string
	switch cfg.DiscoveryKind {
	case "dns":
		names := dStatic.Parse(cfg.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: cfg.DNSPort, Logger: cfg.Logger}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		addrs = dDNS.New(opts).Seeds()
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		addrs = dFile.New(opts).Seeds()
	default:
		addrs = dStatic.Parse(cfg.SeedsCSV)
	}

	seeds := make([]join.SeedServer, 0, len(addrs))
	for _, a := range addrs {
		seeds = append(seeds, join.SeedServer{Address: a, NodeID: membership.UnassignedNodeID})
	}
	return seeds
}

func parseOrGenerateUUID(hexStr string) (membership.NodeUUID, error) {
	var u membership.NodeUUID
	if hexStr == "" {
		if _, err := rand.Read(u[:]); err != nil {
			return u, err
		}
		return u, nil
	}
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return u, fmt.Errorf("node uuid: %w", err)
	}
	if len(decoded) != 16 {
		return u, fmt.Errorf("node uuid must decode to 16 bytes, got %d", len(decoded))
	}
	copy(u[:], decoded)
	return u, nil
}
