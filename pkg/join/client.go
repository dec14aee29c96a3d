package join

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/internal/logutil"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
	"github.com/amirimatin/members-manager/pkg/transport"
)

// SeedServer is one entry of the ordered seed list the client-side join
// loop walks.
type SeedServer struct {
	Address string
	NodeID  membership.NodeID
}

// ClientConfig carries the join loop's tunables.
type ClientConfig struct {
	SelfAddress     string
	NodeUUID        membership.NodeUUID
	RequestedID     *membership.NodeID
	Broker          membership.Broker
	LogicalVersion  int
	Seeds           []SeedServer
	RetryTimeout    time.Duration // base for jittered retry sleep
	IsSelfAdmitted  func() bool   // observes self already in consensus configuration
	HandleLocalSeed func(ctx context.Context, req transport.JoinNodeRequest) (transport.JoinNodeReply, error)

	// RefreshSeeds, when set, is consulted at the top of every seed pass
	// for extra candidates beyond the configured Seeds (gossip-discovered
	// peers, a reloaded seed file). Duplicates of configured seeds are
	// skipped.
	RefreshSeeds func() []SeedServer
}

// Run walks seed servers in order, dispatching join_node until one of the
// termination conditions holds: success, ctx cancellation, or the node
// observing itself already admitted (covers concurrent admission via
// another seed's response racing this loop's retry sleep). onAssigned is
// invoked with a freshly assigned id; every later dispatch, to the
// remaining seeds of the pass and on later passes, carries that id.
func Run(ctx context.Context, client transport.RPCClient, cfg ClientConfig, logger *log.Logger, onAssigned func(membership.NodeID)) error {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 5 * time.Second
	}
	requestedID := cfg.RequestedID

	for {
		select {
		case <-ctx.Done():
			return errs.ErrCancelled
		default:
		}
		if cfg.IsSelfAdmitted != nil && cfg.IsSelfAdmitted() {
			return nil
		}

		req := transport.JoinNodeRequest{
			LogicalVersion: cfg.LogicalVersion,
			NodeUUID:       cfg.NodeUUID,
			RequestedID:    requestedID,
			Broker:         cfg.Broker,
		}

		seeds := cfg.Seeds
		if cfg.RefreshSeeds != nil {
			seeds = mergeSeeds(cfg.Seeds, cfg.RefreshSeeds())
		}

		for _, seed := range seeds {
			select {
			case <-ctx.Done():
				return errs.ErrCancelled
			default:
			}

			var reply transport.JoinNodeReply
			var err error
			if seed.Address == cfg.SelfAddress && cfg.HandleLocalSeed != nil {
				reply, err = cfg.HandleLocalSeed(ctx, req)
			} else {
				reply, err = client.JoinNode(ctx, seed.Address, req)
			}

			if err != nil {
				metrics.JoinSeedAttempts.WithLabelValues("error").Inc()
				logutil.Warnf(logger, "join: seed %s returned error: %v", seed.Address, err)
				continue
			}
			if !reply.Success {
				metrics.JoinSeedAttempts.WithLabelValues("rejected").Inc()
				continue
			}

			metrics.JoinSeedAttempts.WithLabelValues("accepted").Inc()
			if reply.AssignedID != membership.UnassignedNodeID && requestedID == nil {
				id := reply.AssignedID
				requestedID = &id
				req.RequestedID = requestedID
				if onAssigned != nil {
					onAssigned(id)
				}
				// An assignment reply is not admission: retry with the
				// assigned id so the leader can add the broker.
				continue
			}
			return nil
		}

		if err := sleepJittered(ctx, cfg.RetryTimeout); err != nil {
			return err
		}
	}
}

func mergeSeeds(base, extra []SeedServer) []SeedServer {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := append([]SeedServer(nil), base...)
	for _, s := range base {
		seen[s.Address] = true
	}
	for _, s := range extra {
		if !seen[s.Address] {
			seen[s.Address] = true
			out = append(out, s)
		}
	}
	return out
}

// rngJitter drives the retry sleep's jitter, seeded per process so two
// nodes restarting together don't hammer the same seed in lock-step.
var rngJitter = rand.New(rand.NewSource(time.Now().UnixNano()))

func sleepJittered(ctx context.Context, base time.Duration) error {
	jitter := time.Duration(rngJitter.Int63n(int64(base)))
	d := base/2 + jitter
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.ErrCancelled
	case <-t.C:
		return nil
	}
}
