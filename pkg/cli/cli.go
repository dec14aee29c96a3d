package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/members-manager/pkg/bootstrap"
	"github.com/amirimatin/members-manager/pkg/discovery/gossip"
	"github.com/amirimatin/members-manager/pkg/external"
	"github.com/amirimatin/members-manager/pkg/membership"
	tracing "github.com/amirimatin/members-manager/pkg/observability/tracing"
	tlsx "github.com/amirimatin/members-manager/pkg/security/tlsconfig"
	"github.com/amirimatin/members-manager/pkg/transport"
	mgmtgrpc "github.com/amirimatin/members-manager/pkg/transport/grpc"
)

// AddAll attaches the members-manager subcommands (run/join/hello/watch) to
// the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewHelloCmd())
	root.AddCommand(NewWatchCmd())
}

// NewRunCmd returns the "run" command used to start a members-manager node.
func NewRunCmd() *cobra.Command {
	var (
		self                                   int32
		uuidHex, rpcAddr, listenersCSV, rack   string
		cores, shards                          int
		raftAddr, raftAdvertise, dataDir       string
		doBootstrap                            bool
		mgmtAddr                               string
		discoveryKind, seedsCSV, dnsNames      string
		filePath, fileEnv                      string
		gossipName, gossipBind, gossipAdv      string
		gossipJoin                             string
		dnsPort                                int
		discRefresh, joinRetry, rpcTimeout     time.Duration
		nodeIDAssignment                       bool
		tlsEnable, tlsSkip, traceEnable        bool
		tlsCA, tlsCert, tlsKey, tlsServerName  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a members-manager node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rpcAddr == "" {
				return fmt.Errorf("missing --rpc-addr")
			}
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			var gossipDisc *gossip.Discovery
			if discoveryKind == "gossip" {
				name := gossipName
				if name == "" {
					name = fmt.Sprintf("node-%d", self)
				}
				d, err := gossip.New(gossip.Options{
					NodeName:  name,
					Bind:      gossipBind,
					Advertise: gossipAdv,
					MgmtAddr:  mgmtAddr,
					Logger:    log.Default(),
				})
				if err != nil {
					return err
				}
				if err := d.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = d.Stop() }()
				if seeds := splitCSV(gossipJoin); len(seeds) > 0 {
					if err := d.Join(seeds); err != nil {
						log.Printf("gossip join error: %v", err)
					}
				}
				gossipDisc = d
			}

			cfg := bootstrap.Config{
				Self:                   self,
				UUIDHex:                uuidHex,
				RPCAddress:             rpcAddr,
				Listeners:              parseListeners(listenersCSV),
				Rack:                   rack,
				Cores:                  cores,
				Shards:                 shards,
				RaftBindAddr:           raftAddr,
				RaftAdvertise:          raftAdvertise,
				RaftDataDir:            dataDir,
				Bootstrap:              doBootstrap,
				MgmtAddr:               mgmtAddr,
				DiscoveryKind:          discoveryKind,
				SeedsCSV:               seedsCSV,
				DNSNamesCSV:            dnsNames,
				DNSPort:                dnsPort,
				DiscRefresh:            discRefresh,
				FilePath:               filePath,
				FileEnv:                fileEnv,
				NodeIDAssignmentActive: nodeIDAssignment,
				JoinRetryTimeout:       joinRetry,
				RPCTimeout:             rpcTimeout,
				TLSEnable:              tlsEnable,
				TLSCA:                  tlsCA,
				TLSCert:                tlsCert,
				TLSKey:                 tlsKey,
				TLSServerName:          tlsServerName,
				TLSSkipVerify:          tlsSkip,
				Allocator:              external.NoopAllocator{},
				Drain:                  external.NoopDrainManager{},
				Logger:                 log.Default(),
			}
			if gossipDisc != nil {
				cfg.Discovery = gossipDisc
			}
			mgr, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Stop(context.Background()) }()

			fmt.Println("members-manager running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Int32Var(&self, "id", int32(membership.UnassignedNodeID), "requested node id (-1 lets the cluster assign one)")
	cmd.Flags().StringVar(&uuidHex, "uuid", "", "32 hex char node uuid (generated if empty)")
	cmd.Flags().StringVar(&rpcAddr, "rpc-addr", "", "this node's broker rpc address, advertised to the cluster (required)")
	cmd.Flags().StringVar(&listenersCSV, "listeners", "", "comma-separated name=address kafka advertised listeners")
	cmd.Flags().StringVar(&rack, "rack", "", "rack id (optional)")
	cmd.Flags().IntVar(&cores, "cores", 1, "broker core count (must never decrease across restarts)")
	cmd.Flags().IntVar(&shards, "shards", 1, "number of members-table shards")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", ":9520", "raft bind addr (tcp)")
	cmd.Flags().StringVar(&raftAdvertise, "raft-advertise", "", "raft address peers dial this node at (defaults to --raft-addr)")
	cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (empty uses an in-memory store)")
	cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap a single-node raft group (development/first node)")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management gRPC bind address")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "discovery backend: static|dns|file|gossip")
	cmd.Flags().StringVar(&gossipName, "gossip-name", "", "gossip node name (defaults to node-<id>)")
	cmd.Flags().StringVar(&gossipBind, "gossip-bind", ":7946", "gossip bind host:port — discovery=gossip")
	cmd.Flags().StringVar(&gossipAdv, "gossip-advertise", "", "gossip advertise host:port (optional)")
	cmd.Flags().StringVar(&gossipJoin, "gossip-join", "", "comma-separated gossip bind addresses to seed the ring from")
	cmd.Flags().StringVar(&seedsCSV, "join", "", "comma-separated seed management addresses (host:port) — discovery=static")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 17946, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	cmd.Flags().DurationVar(&joinRetry, "join-retry", 5*time.Second, "base retry interval for join/configuration-update loops")
	cmd.Flags().DurationVar(&rpcTimeout, "rpc-timeout", 2*time.Second, "per-call management rpc timeout")
	cmd.Flags().BoolVar(&nodeIDAssignment, "node-id-assignment", true, "enable cluster-assigned node ids (vs. legacy fixed ids)")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the management transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name for TLS validation")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	return cmd
}

// NewJoinCmd returns the "join" command: a one-shot join_node RPC against a
// given seed, useful for probing without running a full node.
func NewJoinCmd() *cobra.Command {
	var (
		uuidHex, rpcAddr, listenersCSV, addr  string
		requestedID                           int32
		cores                                 int
		timeout                               time.Duration
		tlsEnable, tlsSkip                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Send a one-shot join_node request to a seed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rpcAddr == "" || addr == "" {
				return fmt.Errorf("missing required flags: --rpc-addr and --addr")
			}
			client, err := newClient(timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			uuid, err := parseUUIDFlag(uuidHex)
			if err != nil {
				return err
			}
			var idPtr *membership.NodeID
			if requestedID != int32(membership.UnassignedNodeID) {
				id := membership.NodeID(requestedID)
				idPtr = &id
			}
			req := transport.JoinNodeRequest{
				NodeUUID:    uuid,
				RequestedID: idPtr,
				Broker: membership.Broker{
					RPCAddress:               rpcAddr,
					KafkaAdvertisedListeners: parseListeners(listenersCSV),
					Properties:               membership.BrokerProperties{Cores: cores},
				},
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.JoinNode(ctx, addr, req)
			if err != nil {
				return fmt.Errorf("join error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&uuidHex, "uuid", "", "32 hex char node uuid (no uuid is sent if empty)")
	cmd.Flags().StringVar(&rpcAddr, "rpc-addr", "", "this node's broker rpc address (required)")
	cmd.Flags().StringVar(&listenersCSV, "listeners", "", "comma-separated name=address kafka advertised listeners")
	cmd.Flags().Int32Var(&requestedID, "id", int32(membership.UnassignedNodeID), "requested node id (-1 for cluster-assigned)")
	cmd.Flags().IntVar(&cores, "cores", 1, "broker core count")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a seed node (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	addClientTLSFlags(cmd, &tlsEnable, &tlsSkip, &tlsCA, &tlsCert, &tlsKey, &tlsServerName)
	return cmd
}

// NewHelloCmd returns the "hello" command: a one-shot best-effort startup
// notification against a peer, useful for probing a node's management
// endpoint.
func NewHelloCmd() *cobra.Command {
	var (
		addr                                   string
		peer                                   int32
		timeout                                time.Duration
		tlsEnable, tlsSkip                     bool
		tlsCA, tlsCert, tlsKey, tlsServerName  string
	)
	cmd := &cobra.Command{
		Use:   "hello",
		Short: "Send a best-effort hello notification to a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("missing --addr")
			}
			client, err := newClient(timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Hello(ctx, addr, transport.HelloRequest{Peer: membership.NodeID(peer), StartTime: time.Now().Unix()})
			if err != nil {
				return fmt.Errorf("hello error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a peer (host:port)")
	cmd.Flags().Int32Var(&peer, "peer", int32(membership.UnassignedNodeID), "this node's id, if known")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	addClientTLSFlags(cmd, &tlsEnable, &tlsSkip, &tlsCA, &tlsCert, &tlsKey, &tlsServerName)
	return cmd
}

// NewWatchCmd returns the "watch" command: subscribes to the NodeUpdates
// broadcast stream on a peer and prints every delivered event. This is a
// live-delta feed, not a full membership snapshot query.
func NewWatchCmd() *cobra.Command {
	var (
		addr                                   string
		tlsEnable, tlsSkip                     bool
		tlsCA, tlsCert, tlsKey, tlsServerName  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream node membership updates from a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("missing --addr")
			}
			client, err := newClient(0, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			var stream transport.NodeUpdateStreamClient = client
			ctx, cancel := signalContext()
			defer cancel()
			return stream.Subscribe(ctx, addr, func(upd membership.NodeUpdate) {
				_ = json.NewEncoder(os.Stdout).Encode(upd)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a peer (host:port)")
	addClientTLSFlags(cmd, &tlsEnable, &tlsSkip, &tlsCA, &tlsCert, &tlsKey, &tlsServerName)
	return cmd
}

func addClientTLSFlags(cmd *cobra.Command, enable, skip *bool, ca, cert, key, serverName *string) {
	cmd.Flags().BoolVar(enable, "tls-enable", false, "enable mTLS for the management transport")
	cmd.Flags().StringVar(ca, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(cert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(key, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(serverName, "tls-server-name", "", "expected server name for TLS validation")
}

func newClient(timeout time.Duration, tlsEnable bool, ca, cert, key, serverName string, skip bool) (*mgmtgrpc.Client, error) {
	var cliTLS *tls.Config
	if tlsEnable {
		topts := tlsx.Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, InsecureSkipVerify: skip, ServerName: serverName}
		var err error
		cliTLS, err = topts.Client()
		if err != nil {
			return nil, fmt.Errorf("tls client config: %w", err)
		}
	}
	c := mgmtgrpc.NewClient(timeout)
	if cliTLS != nil {
		c.UseTLS(cliTLS)
	}
	return c, nil
}

func parseUUIDFlag(hexStr string) (membership.NodeUUID, error) {
	var u membership.NodeUUID
	if hexStr == "" {
		return u, nil
	}
	if len(hexStr) != 32 {
		return u, fmt.Errorf("--uuid must be 32 hex chars")
	}
	for i := 0; i < 16; i++ {
		v, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return u, fmt.Errorf("--uuid: %w", err)
		}
		u[i] = byte(v)
	}
	return u, nil
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseListeners parses a "name=address,name2=address2" flag value into
// BrokerEndpoint records.
func parseListeners(csv string) []membership.BrokerEndpoint {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]membership.BrokerEndpoint, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, membership.BrokerEndpoint{Name: kv[0], Address: kv[1]})
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
