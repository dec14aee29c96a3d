// Package grpc implements the transport package's RPCServer/RPCClient over
// gRPC using a hand-written JSON codec, avoiding protobuf codegen for
// internal management calls.
package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/members-manager/pkg/transport"
)

// Client implements transport.RPCClient. The join coordinator dials with a
// short timeout; that default is applied here unless the caller supplies a
// shorter deadline on ctx.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

// NewClient returns a Client with the given per-call timeout (default 2s).
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets the RPC-TLS material used to dial peers.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// DialCtx exposes the client's dial function so a NodeID-keyed Pool can be
// built on top of the same TLS/backoff/keepalive configuration.
func (c *Client) DialCtx() func(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return c.dialCtx
}

func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	return c.cm.Get(ctx, addr)
}

// JoinNode dials addr and invokes join_node, as the join coordinator does
// against a remote seed server.
func (c *Client) JoinNode(ctx context.Context, addr string, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp transport.JoinNodeReply
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/members.v1.Management/JoinNode", &req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// UpdateNodeConfiguration dials addr and invokes update_node_configuration.
func (c *Client) UpdateNodeConfiguration(ctx context.Context, addr string, req transport.ConfigurationUpdateRequest) (transport.ConfigurationUpdateReply, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp transport.ConfigurationUpdateReply
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/members.v1.Management/UpdateNodeConfiguration", &req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Hello dials addr and invokes the best-effort startup notification.
// method_not_found is a distinguished, expected failure against a
// rolling-upgrade peer and is reported through the reply, not as an error.
func (c *Client) Hello(ctx context.Context, addr string, req transport.HelloRequest) (transport.HelloReply, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp transport.HelloReply
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/members.v1.Management/Hello", &req, &resp); err != nil {
		if isUnimplemented(err) {
			return transport.HelloReply{Error: transport.ErrMethodNotFound}, nil
		}
		return resp, err
	}
	return resp, nil
}

// isUnimplemented reports whether err is a gRPC Unimplemented status,
// the expected failure mode when hello lands on a peer running a
// pre-rollout build.
func isUnimplemented(err error) bool {
	return status.Code(err) == codes.Unimplemented
}

var _ transport.RPCClient = (*Client)(nil)
