// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/raftkit/raftcore/raftlog"
)

// broadcastAppendEntries fans AppendEntries out to every peer, scheduled on
// every heartbeat tick and immediately after a propose (spec §4.5
// "Replication loop"). Runs on the worker pool, never on the caller's
// goroutine, so the state lock is never held across a send.
func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.closed || n.role != Leader {
		n.mu.Unlock()
		return
	}
	peers := n.peers.all()
	n.mu.Unlock()

	for _, p := range peers {
		p := p
		n.submit(func() { n.replicateToPeer(p) })
	}
}

// replicateToPeer drives one round of the per-peer replication loop (spec
// §4.5 steps 1-6). A peer's replication task is effectively single-threaded:
// it is only ever invoked from the worker pool, one submission per tick, so
// AppendEntries requests to a given peer never overlap in flight (spec §5
// "Ordering guarantees"). Grounded on
// yusong-yan-MultiRaft/src/raft/replicate.go's appendOneRound /
// processAppendEntriesReply.
func (n *Node) replicateToPeer(p *peerState) {
	n.mu.Lock()
	if n.closed || n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	firstIndex := n.log.FirstIndex()

	if p.nextIndex < firstIndex && firstIndex > 1 {
		n.mu.Unlock()
		n.sendSnapshotToPeer(p, term)
		return
	}

	prevLogIndex := p.nextIndex - 1
	prevLogTerm, err := n.termAtOrSnapshotLocked(prevLogIndex)
	if err != nil {
		n.mu.Unlock()
		n.sendSnapshotToPeer(p, term)
		return
	}

	lastIndex := n.log.LastIndex()
	entries := make([]raftlog.Entry, 0)
	for idx := p.nextIndex; idx <= lastIndex && len(entries) < n.cfg.MaxEntryBatchSize; idx++ {
		e, err := n.log.EntryAt(idx)
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	leaderCommit := n.commitIndex
	client := p.client
	peerID := p.id
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.VoteTimeout)
	defer cancel()
	requestID := uuid.NewString()
	reply, err := client.AppendEntries(ctx, &AppendEntriesArgs{
		RequestID:    requestID,
		LeaderID:     n.id,
		Term:         term,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	})
	if err != nil {
		level.Debug(n.logger).Log("msg", "append entries rpc failed", "peer", peerID, "err", err)
		return
	}
	if reply.RequestID != "" && reply.RequestID != requestID {
		level.Debug(n.logger).Log("msg", "discarding mismatched append entries reply", "peer", peerID)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.role != Leader || n.currentTerm != term {
		return // stale reply for a role/term we've already left (spec §5 cancellation)
	}
	pp, ok := n.peers.get(peerID)
	if !ok {
		return // peer removed while the RPC was in flight
	}
	if err := n.stepDownIfStaleLocked(reply.Term); err != nil {
		return
	}

	if reply.Success {
		pp.matchIndex = prevLogIndex + uint64(len(entries))
		pp.nextIndex = pp.matchIndex + 1
		n.metrics.appendEntriesSent.WithLabelValues("success").Inc()
		if pp.nonVoter && !pp.caughtUp {
			lag := n.log.LastIndex() - pp.matchIndex
			if lag <= n.cfg.CatchupMargin {
				pp.caughtUp = true
				n.syncCond.Broadcast()
				level.Info(n.logger).Log("msg", "peer caught up", "peer", peerID, "matchIndex", pp.matchIndex)
			}
		}
		n.advanceCommitLocked()
		return
	}

	n.metrics.appendEntriesSent.WithLabelValues("rejected").Inc()
	hint := reply.Hint
	if hint == 0 && pp.nextIndex > 1 {
		hint = pp.nextIndex - 2
	}
	pp.nextIndex = hint + 1
	if pp.nextIndex < 1 {
		pp.nextIndex = 1
	}
}

// advanceCommitLocked implements spec §4.5's median rule: take match-indices
// of all voters including self, sort, and pick the floor(N/2)-th highest as
// candidateCommit. Commits only if that index's term equals currentTerm,
// which is the Raft safety property that stops a leader from committing a
// prior term's entry purely by matching count. Must hold n.mu.
func (n *Node) advanceCommitLocked() {
	if n.role != Leader {
		return
	}
	voters := make([]uint64, 0, len(n.configuration.Servers))
	voters = append(voters, n.log.LastIndex())
	for _, p := range n.peers.all() {
		if p.nonVoter {
			continue
		}
		voters = append(voters, p.matchIndex)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	quorum := n.configuration.quorumSize()
	if quorum > len(voters) {
		return
	}
	candidateCommit := voters[len(voters)-quorum]
	if candidateCommit <= n.commitIndex {
		return
	}
	term, err := n.termAtOrSnapshotLocked(candidateCommit)
	if err != nil || term != n.currentTerm {
		return
	}
	n.commitIndex = candidateCommit
	n.metrics.commitIndex.Set(float64(candidateCommit))
	n.persistMetaLocked()
	n.commitCond.Broadcast()
}

// HandleAppendEntries implements spec §4.4's AppendEntries algorithm.
func (n *Node) HandleAppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics.appendEntriesRecv.Inc()

	if args.Term < n.currentTerm {
		return &AppendEntriesReply{RequestID: args.RequestID, Term: n.currentTerm, Code: FailTerm, Success: false}, nil
	}
	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}
	if n.role == Candidate || n.role == PreCandidate {
		n.role = Follower
	}
	n.leaderID = args.LeaderID
	n.haveLeader = true
	n.resetElectionTimerLocked()

	lastIndex := n.log.LastIndex()
	if args.PrevLogIndex > lastIndex {
		return &AppendEntriesReply{RequestID: args.RequestID, Term: n.currentTerm, Code: FailLogMismatch, Success: false, Hint: lastIndex}, nil
	}
	if args.PrevLogIndex > 0 {
		prevTerm, err := n.termAtOrSnapshotLocked(args.PrevLogIndex)
		if err != nil || prevTerm != args.PrevLogTerm {
			hint := args.PrevLogIndex
			if hint > 0 {
				hint--
			}
			return &AppendEntriesReply{RequestID: args.RequestID, Term: n.currentTerm, Code: FailLogMismatch, Success: false, Hint: hint}, nil
		}
	}

	for i := 0; i < len(args.Entries); i++ {
		e := args.Entries[i]
		if e.Index <= n.log.LastIndex() {
			existingTerm, err := n.log.TermAt(e.Index)
			if err == nil && existingTerm == e.Term {
				continue
			}
			if err := n.log.TruncateSuffix(e.Index - 1); err != nil {
				level.Error(n.logger).Log("msg", "truncate suffix failed", "err", err)
				return &AppendEntriesReply{RequestID: args.RequestID, Term: n.currentTerm, Code: FailLogMismatch, Success: false, Hint: n.log.LastIndex()}, nil
			}
		}
		if _, err := n.log.Append(args.Entries[i:]); err != nil {
			level.Error(n.logger).Log("msg", "append failed", "err", err)
			return &AppendEntriesReply{RequestID: args.RequestID, Term: n.currentTerm, Code: FailLogMismatch, Success: false, Hint: n.log.LastIndex()}, nil
		}
		break
	}

	lastNew := args.PrevLogIndex
	if len(args.Entries) > 0 {
		lastNew = args.Entries[len(args.Entries)-1].Index
	}
	if args.LeaderCommit > n.commitIndex {
		newCommit := args.LeaderCommit
		if lastNew < newCommit {
			newCommit = lastNew
		}
		if newCommit > n.commitIndex {
			n.commitIndex = newCommit
			n.metrics.commitIndex.Set(float64(newCommit))
			n.commitCond.Broadcast()
		}
	}
	n.persistMetaLocked()
	return &AppendEntriesReply{RequestID: args.RequestID, Term: n.currentTerm, Code: Success, Success: true, Hint: n.log.LastIndex()}, nil
}
