package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	obsmetrics "github.com/amirimatin/members-manager/pkg/observability/metrics"
	"github.com/amirimatin/members-manager/pkg/observability/tracing"
	"github.com/amirimatin/members-manager/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec: the
// three unary management methods plus the NodeUpdates broadcast stream,
// and the standard gRPC health service.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config

	mu   sync.Mutex
	subs map[*updateSub]struct{}
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// managementServer defines the unary methods exposed over gRPC.
type managementServer interface {
	JoinNode(ctx context.Context, in *transport.JoinNodeRequest) (*transport.JoinNodeReply, error)
	UpdateNodeConfiguration(ctx context.Context, in *transport.ConfigurationUpdateRequest) (*transport.ConfigurationUpdateReply, error)
	Hello(ctx context.Context, in *transport.HelloRequest) (*transport.HelloReply, error)
}

type mgmtImpl struct {
	join      transport.JoinNodeFunc
	cfgUpdate transport.ConfigUpdateFunc
	hello     transport.HelloFunc
}

func (m *mgmtImpl) JoinNode(ctx context.Context, in *transport.JoinNodeRequest) (*transport.JoinNodeReply, error) {
	if in == nil {
		in = &transport.JoinNodeRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.join_node")
	defer end()
	out, err := m.join(ctx, *in)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *mgmtImpl) UpdateNodeConfiguration(ctx context.Context, in *transport.ConfigurationUpdateRequest) (*transport.ConfigurationUpdateReply, error) {
	if in == nil {
		in = &transport.ConfigurationUpdateRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.update_node_configuration")
	defer end()
	out, err := m.cfgUpdate(ctx, *in)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *mgmtImpl) Hello(ctx context.Context, in *transport.HelloRequest) (*transport.HelloReply, error) {
	if in == nil {
		in = &transport.HelloRequest{}
	}
	if m.hello == nil {
		return &transport.HelloReply{Error: transport.ErrMethodNotFound}, nil
	}
	out, err := m.hello(ctx, *in)
	if err != nil {
		return &transport.HelloReply{Error: err.Error()}, nil
	}
	return &out, nil
}

var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: "members.v1.Management",
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "JoinNode", Handler: _Management_JoinNode_Handler},
		{MethodName: "UpdateNodeConfiguration", Handler: _Management_UpdateNodeConfiguration_Handler},
		{MethodName: "Hello", Handler: _Management_Hello_Handler},
	},
}

func _Management_JoinNode_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.JoinNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).JoinNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/members.v1.Management/JoinNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).JoinNode(ctx, req.(*transport.JoinNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_UpdateNodeConfiguration_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.ConfigurationUpdateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).UpdateNodeConfiguration(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/members.v1.Management/UpdateNodeConfiguration"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).UpdateNodeConfiguration(ctx, req.(*transport.ConfigurationUpdateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Hello_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/members.v1.Management/Hello"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Hello(ctx, req.(*transport.HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, join transport.JoinNodeFunc, cfgUpdate transport.ConfigUpdateFunc, hello transport.HelloFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis

	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)

	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{join: join, cfgUpdate: cfgUpdate, hello: hello})

	s.mu.Lock()
	s.subs = make(map[*updateSub]struct{})
	s.mu.Unlock()
	srv.RegisterService(&_NodeUpdates_serviceDesc, &nodeUpdatesImpl{server: s})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)

// --- NodeUpdate broadcast stream ---
//
// Membership events are only durable in the raft log, so this stream is
// fire-and-forget best effort: a subscriber that misses an update while
// disconnected must reconcile from the members table on reconnect, it is
// not replayed.

type updateSubReq struct{}

type updateMsg struct {
	Kind      string `json:"kind"`
	NodeID    int32  `json:"node_id"`
	BrokerRaw []byte `json:"broker,omitempty"`
	Offset    int64  `json:"offset"`
}

type updateSub struct{ ss grpc.ServerStream }

type nodeUpdatesServer interface {
	Subscribe(*updateSubReq, NodeUpdates_SubscribeServer) error
}

type NodeUpdates_SubscribeServer interface {
	Send(*updateMsg) error
	grpc.ServerStream
}

type nodeUpdatesImpl struct{ server *Server }

func (n *nodeUpdatesImpl) Subscribe(_ *updateSubReq, stream NodeUpdates_SubscribeServer) error {
	sub := &updateSub{ss: stream}
	n.server.addSub(sub)
	defer n.server.removeSub(sub)
	<-stream.Context().Done()
	return nil
}

func (s *Server) addSub(sub *updateSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[*updateSub]struct{})
	}
	s.subs[sub] = struct{}{}
	obsmetrics.NodeUpdateSubscribers.Inc()
}

func (s *Server) removeSub(sub *updateSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
	obsmetrics.NodeUpdateSubscribers.Dec()
}

// Broadcast fans a processed NodeUpdate out to every connected subscriber.
// Applier calls this from its delivery path alongside the in-process
// update queue.
func (s *Server) Broadcast(kind string, nodeID int32, brokerJSON []byte, offset int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &updateMsg{Kind: kind, NodeID: nodeID, BrokerRaw: brokerJSON, Offset: offset}
	cnt := 0
	for sub := range s.subs {
		if err := sub.ss.SendMsg(msg); err == nil {
			cnt++
		} else {
			delete(s.subs, sub)
		}
	}
	obsmetrics.NodeUpdateBroadcastTotal.Add(float64(cnt))
	return cnt
}

var _NodeUpdates_serviceDesc = grpc.ServiceDesc{
	ServiceName: "members.v1.NodeUpdates",
	HandlerType: (*nodeUpdatesServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		Handler:       _NodeUpdates_Subscribe_Handler,
	}},
}

func _NodeUpdates_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(updateSubReq)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(nodeUpdatesServer).Subscribe(m, &nodeUpdatesSubscribeServer{stream})
}

type nodeUpdatesSubscribeServer struct{ grpc.ServerStream }

func (x *nodeUpdatesSubscribeServer) Send(m *updateMsg) error { return x.ServerStream.SendMsg(m) }
