package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/transport"
)

// Subscribe establishes a server stream to the NodeUpdates service and
// invokes onUpdate for every broadcast event. It returns when the stream
// ends (including via ctx cancellation); the caller is responsible for
// any reconnect-with-backoff loop.
func (c *Client) Subscribe(ctx context.Context, addr string, onUpdate func(membership.NodeUpdate)) error {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	cc, rel, err := c.cm.Get(ctx, addr)
	if err != nil {
		return err
	}
	defer rel()

	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/members.v1.NodeUpdates/Subscribe")
	if err != nil {
		return err
	}
	if err := cs.SendMsg(&updateSubReq{}); err != nil {
		return err
	}
	_ = cs.CloseSend()

	for {
		var m updateMsg
		if err := cs.RecvMsg(&m); err != nil {
			return err
		}
		if onUpdate == nil {
			continue
		}
		onUpdate(membership.NodeUpdate{
			ID:     membership.NodeID(m.NodeID),
			Kind:   parseUpdateKind(m.Kind),
			Offset: m.Offset,
		})
	}
}

func parseUpdateKind(s string) membership.NodeUpdateKind {
	switch s {
	case "decommissioned":
		return membership.UpdateDecommissioned
	case "recommissioned":
		return membership.UpdateRecommissioned
	case "reallocation_finished":
		return membership.UpdateReallocationFinished
	default:
		return membership.UpdateAdded
	}
}

var _ transport.NodeUpdateStreamClient = (*Client)(nil)
