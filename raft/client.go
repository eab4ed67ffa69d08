// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raftkit/raftcore"
	"github.com/raftkit/raftcore/raftlog"
)

// Propose is the Client Façade's write path (spec §4.6): serialize payload
// to the log, dispatch replication, and await apply up to MaxAwaitTimeout.
// asyncWrite mode returns immediately after the local durable append.
// Grounded on moogacs-raft's Apply(cmd, timeout) ApplyFuture, collapsed to a
// direct blocking call per spec's client-visible {ok,notLeader,timeout} trio
// rather than a future.
func (n *Node) Propose(ctx context.Context, payload []byte) (uint64, error) {
	return n.proposeEntry(ctx, raftlog.EntryData, payload)
}

func (n *Node) proposeEntry(ctx context.Context, typ raftlog.EntryType, payload []byte) (uint64, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return 0, errNodeClosed
	}
	if n.role != Leader {
		n.mu.Unlock()
		return 0, raftcore.ErrNotLeader
	}
	term := n.currentTerm
	nextIndex := n.log.LastIndex() + 1
	entry := raftlog.Entry{Index: nextIndex, Term: term, Type: typ, Payload: payload}
	idx, err := n.log.Append([]raftlog.Entry{entry})
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}

	var waitCh <-chan error
	if !n.cfg.AsyncWrite {
		waitCh = n.registerAppliedWaiterLocked(idx)
	}
	peers := n.peers.all()
	n.mu.Unlock()

	for _, p := range peers {
		p := p
		n.submit(func() { n.replicateToPeer(p) })
	}

	if n.cfg.AsyncWrite {
		return idx, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(n.cfg.MaxAwaitTimeout)
	defer timer.Stop()
	select {
	case <-waitCh:
		return idx, nil
	case <-timer.C:
		return idx, raftcore.ErrQuorumTimeout
	case <-ctx.Done():
		return idx, ctx.Err()
	case <-n.stopCh:
		return idx, errNodeClosed
	}
}

// ProposeConfiguration proposes a new cluster configuration as a
// CONFIGURATION log entry (spec §4.5 "Membership changes"); it is applied,
// like any other entry, once it commits.
func (n *Node) ProposeConfiguration(ctx context.Context, cfg ClusterConfiguration) (uint64, error) {
	return n.proposeEntry(ctx, raftlog.EntryConfiguration, encodeConfiguration(cfg))
}

func (n *Node) currentSeenCommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// WaitUntilApplied is the leader-side linearizable read helper (spec §4.5):
// record readIndex=commitIndex, confirm leadership with a majority of peers,
// then block until the applier has locally caught up to readIndex.
func (n *Node) WaitUntilApplied(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return 0, errNodeClosed
	}
	if n.role != Leader {
		n.mu.Unlock()
		return 0, raftcore.ErrNotLeader
	}
	readIndex := n.commitIndex
	peers := n.peers.all()
	quorum := n.configuration.quorumSize()
	term := n.currentTerm
	waitCh := n.registerAppliedWaiterLocked(readIndex)
	n.mu.Unlock()

	if !n.collectHeartbeatAcks(peers, quorum, term) {
		return 0, raftcore.ErrQuorumTimeout
	}

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(n.cfg.MaxAwaitTimeout)
	defer timer.Stop()
	select {
	case <-waitCh:
		return readIndex, nil
	case <-timer.C:
		return readIndex, raftcore.ErrQuorumTimeout
	case <-ctx.Done():
		return readIndex, ctx.Err()
	}
}

// collectHeartbeatAcks confirms leadership is still recognized by a quorum
// of peers by issuing a bare AppendEntries ping (no entries, prevLogIndex
// 0 so no log-matching side effects) to each and counting replies whose term
// has not moved past ours.
func (n *Node) collectHeartbeatAcks(peers []*peerState, quorum int, term uint64) bool {
	if quorum <= 1 {
		return true
	}
	acks := 1 // self
	var mu sync.Mutex
	var once sync.Once
	done := make(chan struct{})
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.MaxAwaitTimeout)
	defer cancel()
	leaderCommit := n.currentSeenCommitIndex()

	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			requestID := uuid.NewString()
			reply, err := p.client.AppendEntries(ctx, &AppendEntriesArgs{
				RequestID:    requestID,
				LeaderID:     n.id,
				Term:         term,
				LeaderCommit: leaderCommit,
			})
			if err != nil {
				return
			}
			if reply.RequestID != "" && reply.RequestID != requestID {
				return
			}
			n.mu.Lock()
			stale := n.stepDownIfStaleLocked(reply.Term)
			n.mu.Unlock()
			if stale != nil {
				return
			}
			mu.Lock()
			acks++
			v := acks
			mu.Unlock()
			if v >= quorum {
				once.Do(func() { close(done) })
			}
		}()
	}
	go func() {
		wg.Wait()
		once.Do(func() { close(done) })
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	return acks >= quorum
}

// WaitForLeaderCommitIndex is the follower-side linearizable read helper
// (spec §4.5): query the leader's commitIndex, then wait locally for the
// applier to catch up to it.
func (n *Node) WaitForLeaderCommitIndex(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return 0, errNodeClosed
	}
	if n.role == Leader {
		n.mu.Unlock()
		return n.WaitUntilApplied(ctx)
	}
	leaderID := n.leaderID
	have := n.haveLeader
	n.mu.Unlock()
	if !have {
		return 0, raftcore.ErrNotLeader
	}

	n.mu.Lock()
	p, ok := n.peers.get(leaderID)
	n.mu.Unlock()
	if !ok {
		return 0, raftcore.ErrNotLeader
	}

	if ctx == nil {
		ctx = context.Background()
	}
	reply, err := p.client.GetLeaderCommitIndex(ctx, &GetLeaderCommitIndexArgs{})
	if err != nil {
		return 0, err
	}
	if !reply.IsLeader {
		return 0, raftcore.ErrNotLeader
	}
	target := reply.CommitIndex

	n.mu.Lock()
	waitCh := n.registerAppliedWaiterLocked(target)
	n.mu.Unlock()

	timer := time.NewTimer(n.cfg.MaxAwaitTimeout)
	defer timer.Stop()
	select {
	case <-waitCh:
		return target, nil
	case <-timer.C:
		return target, raftcore.ErrQuorumTimeout
	case <-ctx.Done():
		return target, ctx.Err()
	}
}

// HandleGetLeaderCommitIndex is the read-only probe used by read-index
// helpers (spec §4.4).
func (n *Node) HandleGetLeaderCommitIndex(ctx context.Context, args *GetLeaderCommitIndexArgs) (*GetLeaderCommitIndexReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &GetLeaderCommitIndexReply{Term: n.currentTerm, CommitIndex: n.commitIndex, IsLeader: n.role == Leader}, nil
}
