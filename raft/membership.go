// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/raftkit/raftcore"
)

// AddServer implements single-server membership addition (spec §4.5): the
// new peer first streams log/snapshot until within catchupMargin, then the
// CONFIGURATION entry is proposed; it becomes a full voter once committed.
// Grounded on moogacs-raft's AddPeer (logFuture carrying a LogAddPeer entry),
// adapted to the spec's catch-up-then-propose sequencing. Joint consensus is
// not needed since additions are one-at-a-time.
func (n *Node) AddServer(ctx context.Context, s Server) (uint64, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return 0, errNodeClosed
	}
	if n.role != Leader {
		n.mu.Unlock()
		return 0, raftcore.ErrNotLeader
	}
	if n.configuration.has(s.ID) {
		n.mu.Unlock()
		return 0, fmt.Errorf("raft: server %d is already in the configuration", s.ID)
	}
	client, err := n.transport.Dial(s)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	p := newPeerState(s.ID, client, n.log.LastIndex())
	p.nonVoter = true
	n.peers.add(p)
	n.mu.Unlock()

	level.Info(n.logger).Log("msg", "streaming new peer to catch-up", "peer", s.ID)
	if err := n.waitForCatchUp(ctx, p); err != nil {
		n.mu.Lock()
		n.peers.remove(s.ID)
		n.mu.Unlock()
		_ = client.Close()
		return 0, err
	}

	newCfg := n.currentConfiguration().with(s)
	idx, err := n.ProposeConfiguration(ctx, newCfg)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	if pp, ok := n.peers.get(s.ID); ok {
		pp.nonVoter = false
	}
	n.mu.Unlock()
	return idx, nil
}

// waitForCatchUp repeatedly drives replication to p until its lag falls to
// catchupMargin or ctx is done. Polls on the heartbeat period rather than
// condvar + select, since sync.Cond does not compose with a context
// deadline; syncCond itself is still signalled so a concurrent waiter using
// it directly would observe the same event.
func (n *Node) waitForCatchUp(ctx context.Context, p *peerState) error {
	n.submit(func() { n.replicateToPeer(p) })
	ticker := time.NewTicker(n.cfg.KeepAlivePeriod)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		caught := p.caughtUp
		n.mu.Unlock()
		if caught {
			return nil
		}
		select {
		case <-ticker.C:
			n.submit(func() { n.replicateToPeer(p) })
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopCh:
			return errNodeClosed
		}
	}
}

func (n *Node) currentConfiguration() ClusterConfiguration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configuration
}

// RemoveServer implements single-server membership removal (spec §4.5): a
// CONFIGURATION entry excluding the peer is proposed; once it commits, the
// applier's rebuildPeersLocked call closes the removed peer's RPC handle,
// same as any other configuration change.
func (n *Node) RemoveServer(ctx context.Context, id ServerID) (uint64, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return 0, errNodeClosed
	}
	if n.role != Leader {
		n.mu.Unlock()
		return 0, raftcore.ErrNotLeader
	}
	if !n.configuration.has(id) {
		n.mu.Unlock()
		return 0, fmt.Errorf("raft: server %d is not in the configuration", id)
	}
	newCfg := n.configuration.without(id)
	n.mu.Unlock()

	return n.ProposeConfiguration(ctx, newCfg)
}
