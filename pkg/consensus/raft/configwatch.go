package raftcons

import (
	"encoding/json"
	"time"

	"github.com/amirimatin/members-manager/pkg/membership"
)

// configPollLoop detects consensus-group reconfigurations by periodically
// diffing raft.GetConfiguration() against the last-seen configuration, and
// feeds changes to the Command Applier as a raft_configuration batch. It
// stands in for a native FSM hook because hashicorp/raft does not deliver
// voter-set changes through FSM.Apply.
func (n *Node) configPollLoop() {
	ticker := time.NewTicker(n.opts.ConfigPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopPoll:
			return
		case <-ticker.C:
			n.pollConfigOnce()
		}
	}
}

func (n *Node) pollConfigOnce() {
	r := n.r
	if r == nil {
		return
	}
	cfg, err := n.Configuration()
	if err != nil {
		return
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	key := string(blob)
	if key == n.lastSeenConfig {
		return
	}
	n.lastSeenConfig = key

	offset := int64(r.LastIndex())
	if cfg.Brokers == nil {
		cfg.Brokers = []membership.Broker{}
	}
	n.opts.Applier.HandleRaftConfigUpdate(cfg, offset)
}
