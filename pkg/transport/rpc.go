package transport

import (
	"context"

	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/membership"
)

// JoinNodeRequest is the wire request for join_node.
type JoinNodeRequest struct {
	LogicalVersion int                 `json:"logical_version"`
	NodeUUID       membership.NodeUUID `json:"node_uuid"`
	RequestedID    *membership.NodeID  `json:"requested_id,omitempty"`
	Broker         membership.Broker   `json:"broker"`
}

// JoinNodeReply is the wire reply for join_node.
type JoinNodeReply struct {
	Success    bool              `json:"success"`
	AssignedID membership.NodeID `json:"assigned_id"`
	ErrorCode  errs.Code         `json:"error_code,omitempty"`
}

// ConfigurationUpdateRequest is the wire request for
// update_node_configuration.
type ConfigurationUpdateRequest struct {
	Broker   membership.Broker `json:"broker"`
	TargetID membership.NodeID `json:"target_id"`
}

// ConfigurationUpdateReply is the wire reply for update_node_configuration.
type ConfigurationUpdateReply struct {
	Success   bool      `json:"success"`
	ErrorCode errs.Code `json:"error_code,omitempty"`
}

// HelloRequest is the best-effort startup notification a freshly started
// node fires at every peer it already knows.
type HelloRequest struct {
	Peer      membership.NodeID `json:"peer"`
	StartTime int64             `json:"start_time"`
}

// HelloReply carries an error string; an empty string means success.
// method_not_found is a distinguished string the caller treats as a
// band-3 best-effort signal, never retried or propagated.
type HelloReply struct {
	Error string `json:"error,omitempty"`
}

// ErrMethodNotFound is the sentinel the client recognizes to swallow a
// hello failure against a rolling-upgrade peer that doesn't serve it yet.
const ErrMethodNotFound = "method_not_found"

type (
	JoinNodeFunc   func(ctx context.Context, req JoinNodeRequest) (JoinNodeReply, error)
	ConfigUpdateFunc func(ctx context.Context, req ConfigurationUpdateRequest) (ConfigurationUpdateReply, error)
	HelloFunc      func(ctx context.Context, req HelloRequest) (HelloReply, error)
)

// RPCServer exposes the three management endpoints over the controller
// client protocol.
type RPCServer interface {
	Start(ctx context.Context, join JoinNodeFunc, cfgUpdate ConfigUpdateFunc, hello HelloFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs outbound calls to other nodes' RPCServer.
type RPCClient interface {
	JoinNode(ctx context.Context, addr string, req JoinNodeRequest) (JoinNodeReply, error)
	UpdateNodeConfiguration(ctx context.Context, addr string, req ConfigurationUpdateRequest) (ConfigurationUpdateReply, error)
	Hello(ctx context.Context, addr string, req HelloRequest) (HelloReply, error)
}

// NodeUpdateStreamClient subscribes to the node-update broadcast stream a
// peer exposes for out-of-process consumers.
type NodeUpdateStreamClient interface {
	Subscribe(ctx context.Context, addr string, onUpdate func(membership.NodeUpdate)) error
}
