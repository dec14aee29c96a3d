package join

import (
	"context"
	"testing"
	"time"

	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/transport"
)

type scriptedClient struct {
	replies map[string]transport.JoinNodeReply
	errs    map[string]error
	calls   []string
}

func (c *scriptedClient) JoinNode(ctx context.Context, addr string, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
	c.calls = append(c.calls, addr)
	if err, ok := c.errs[addr]; ok {
		return transport.JoinNodeReply{}, err
	}
	return c.replies[addr], nil
}
func (c *scriptedClient) UpdateNodeConfiguration(ctx context.Context, addr string, req transport.ConfigurationUpdateRequest) (transport.ConfigurationUpdateReply, error) {
	return transport.ConfigurationUpdateReply{}, nil
}
func (c *scriptedClient) Hello(ctx context.Context, addr string, req transport.HelloRequest) (transport.HelloReply, error) {
	return transport.HelloReply{}, nil
}

func TestJoinLoop_StopsOnFirstSuccess(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]transport.JoinNodeReply{
			"seed1:1": {Success: true, AssignedID: 3},
		},
	}
	cfg := ClientConfig{
		Seeds: []SeedServer{{Address: "seed1:1"}, {Address: "seed2:1"}},
		RequestedID: func() *membership.NodeID { id := membership.NodeID(3); return &id }(),
	}

	err := Run(context.Background(), client, cfg, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls) != 1 || client.calls[0] != "seed1:1" {
		t.Fatalf("expected single call to seed1, got %v", client.calls)
	}
}

func TestJoinLoop_FallsThroughToNextSeedOnRejection(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]transport.JoinNodeReply{
			"seed1:1": {Success: false},
			"seed2:1": {Success: true, AssignedID: 3},
		},
	}
	cfg := ClientConfig{
		Seeds:       []SeedServer{{Address: "seed1:1"}, {Address: "seed2:1"}},
		RequestedID: func() *membership.NodeID { id := membership.NodeID(3); return &id }(),
	}

	if err := Run(context.Background(), client, cfg, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected both seeds tried, got %v", client.calls)
	}
}

func TestJoinLoop_UsesLocalSeedHandlerForSelf(t *testing.T) {
	client := &scriptedClient{replies: map[string]transport.JoinNodeReply{}}
	localCalled := false
	cfg := ClientConfig{
		SelfAddress: "self:1",
		Seeds:       []SeedServer{{Address: "self:1"}},
		RequestedID: func() *membership.NodeID { id := membership.NodeID(1); return &id }(),
		HandleLocalSeed: func(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
			localCalled = true
			return transport.JoinNodeReply{Success: true, AssignedID: 1}, nil
		},
	}

	if err := Run(context.Background(), client, cfg, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !localCalled {
		t.Fatalf("expected local seed to be handled in-process")
	}
	if len(client.calls) != 0 {
		t.Fatalf("expected no outbound RPC for the self seed, got %v", client.calls)
	}
}

func TestJoinLoop_RetriesWithAssignedIDOnNextPass(t *testing.T) {
	assigned := membership.NodeID(7)
	pass := 0
	client := &scriptedClient{replies: map[string]transport.JoinNodeReply{}}
	cfg := ClientConfig{
		Seeds: []SeedServer{{Address: "seed1:1"}},
		HandleLocalSeed: func(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error) {
			pass++
			if req.RequestedID == nil {
				return transport.JoinNodeReply{Success: true, AssignedID: assigned}, nil
			}
			if *req.RequestedID != assigned {
				t.Fatalf("expected retry with assigned id %v, got %v", assigned, *req.RequestedID)
			}
			return transport.JoinNodeReply{Success: true, AssignedID: assigned}, nil
		},
		SelfAddress:  "seed1:1",
		RetryTimeout: time.Millisecond,
	}

	var gotAssigned membership.NodeID
	if err := Run(context.Background(), client, cfg, nil, func(id membership.NodeID) { gotAssigned = id }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAssigned != assigned {
		t.Fatalf("onAssigned callback not invoked with %v, got %v", assigned, gotAssigned)
	}
	if pass != 2 {
		t.Fatalf("expected two passes (assign then retry), got %d", pass)
	}
}

func TestJoinLoop_StopsWhenAlreadyAdmitted(t *testing.T) {
	client := &scriptedClient{replies: map[string]transport.JoinNodeReply{}}
	cfg := ClientConfig{
		Seeds:          []SeedServer{{Address: "seed1:1"}},
		IsSelfAdmitted: func() bool { return true },
	}

	if err := Run(context.Background(), client, cfg, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls) != 0 {
		t.Fatalf("expected no seed dispatch once self-admitted, got %v", client.calls)
	}
}

func TestJoinLoop_CancellationStopsLoop(t *testing.T) {
	client := &scriptedClient{
		replies: map[string]transport.JoinNodeReply{"seed1:1": {Success: false}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cfg := ClientConfig{
		Seeds:        []SeedServer{{Address: "seed1:1"}},
		RetryTimeout: 50 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, client, cfg, nil, nil) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("join loop did not stop on cancellation")
	}
}
