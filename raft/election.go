// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// startPreVote runs the non-binding "would you vote?" round (spec §4.4,
// §4.5 PreVote): a node whose partition just healed must not force a term
// bump on the rest of the cluster. Only a majority of pre-grants advances to
// a real, term-incrementing election. No pack member implements this; built
// directly from the spec's PreVote contract.
func (n *Node) startPreVote() {
	n.mu.Lock()
	if n.closed || n.role == Leader {
		n.mu.Unlock()
		return
	}
	n.role = PreCandidate
	n.peers.resetForElection()
	n.metrics.electionsStarted.Inc()
	candidateTerm := n.currentTerm + 1
	lastIndex, lastTerm := n.lastLogIndexAndTermLocked()
	peers := n.peers.all()
	quorum := n.configuration.quorumSize()
	level.Debug(n.logger).Log("msg", "starting pre-vote", "candidateTerm", candidateTerm)
	n.mu.Unlock()

	granted := n.collectVotes(peers, quorum, &RequestVoteArgs{
		RequestID:    uuid.NewString(),
		PreVote:      true,
		CandidateID:  n.id,
		Term:         candidateTerm,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.role != PreCandidate || n.currentTerm+1 != candidateTerm {
		return
	}
	if !granted {
		n.role = Follower
		level.Debug(n.logger).Log("msg", "pre-vote failed to reach quorum", "candidateTerm", candidateTerm)
		return
	}
	n.startElectionLocked()
}

// startElectionLocked increments currentTerm, votes for self, persists, and
// dispatches RequestVote to every peer. Must hold n.mu; unlocks internally
// while waiting on peer replies.
func (n *Node) startElectionLocked() {
	n.role = Candidate
	n.currentTerm++
	n.votedFor = int64(n.id)
	n.metrics.termChanges.Inc()
	n.persistMetaLocked()
	n.peers.resetForElection()
	n.resetElectionTimerLocked()
	electionTerm := n.currentTerm
	lastIndex, lastTerm := n.lastLogIndexAndTermLocked()
	peers := n.peers.all()
	quorum := n.configuration.quorumSize()
	level.Info(n.logger).Log("msg", "starting election", "term", electionTerm)
	n.mu.Unlock()

	granted := n.collectVotes(peers, quorum, &RequestVoteArgs{
		RequestID:    uuid.NewString(),
		CandidateID:  n.id,
		Term:         electionTerm,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	})

	n.mu.Lock()
	if n.closed || n.role != Candidate || n.currentTerm != electionTerm {
		return
	}
	if granted {
		n.becomeLeaderLocked()
	}
}

// collectVotes dials every peer concurrently and blocks until quorum is
// reached, every peer has replied, or the election timeout elapses. The
// caller always counts its own vote. Grounded on
// yusong-yan-MultiRaft/src/raft/raft.go's goroutine-per-peer vote collection,
// generalized to stop early once quorum is met.
func (n *Node) collectVotes(peers []*peerState, quorum int, args *RequestVoteArgs) bool {
	if quorum <= 1 {
		return true
	}
	votes := 1 // self
	var mu sync.Mutex
	var once sync.Once
	done := make(chan struct{})
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.VoteTimeout)
	defer cancel()

	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := p.client.RequestVote(ctx, args)
			if err != nil {
				return
			}
			if reply.RequestID != "" && reply.RequestID != args.RequestID {
				// Reply doesn't match the request we sent this round; a
				// transport that reorders or retries could otherwise hand
				// us a vote meant for an earlier attempt (spec §5
				// "Cancellation").
				return
			}
			n.mu.Lock()
			stale := n.stepDownIfStaleLocked(reply.Term)
			n.mu.Unlock()
			if stale != nil || !reply.VoteGranted {
				return
			}
			mu.Lock()
			votes++
			v := votes
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
	return votes >= quorum
}

// becomeLeaderLocked transitions Candidate -> Leader on a won election. Must
// hold n.mu.
func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	n.haveLeader = true
	n.metrics.role.Set(float64(Leader))
	n.metrics.electionsWon.Inc()
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	lastIndex := n.log.LastIndex()
	for _, p := range n.peers.all() {
		p.nextIndex = lastIndex + 1
		p.matchIndex = 0
	}
	level.Info(n.logger).Log("msg", "became leader", "term", n.currentTerm)
	n.armHeartbeatLocked()
	n.submit(n.broadcastAppendEntries)
}

func (n *Node) armHeartbeatLocked() {
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	n.heartbeatTimer = time.AfterFunc(n.cfg.KeepAlivePeriod, n.onHeartbeatTick)
}

func (n *Node) onHeartbeatTick() {
	n.mu.Lock()
	if n.closed || n.role != Leader {
		n.mu.Unlock()
		return
	}
	n.armHeartbeatLocked()
	n.mu.Unlock()
	n.submit(n.broadcastAppendEntries)
}

// HandleRequestVote implements both RequestVote and PreVote (spec §4.4):
// grants if the candidate's term is at least as fresh, no conflicting vote
// has been cast this term, and the candidate's log is at least as
// up-to-date. PreVote never mutates currentTerm/votedFor.
func (n *Node) HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return &RequestVoteReply{RequestID: args.RequestID, Term: n.currentTerm, VoteGranted: false}, nil
	}
	if !args.PreVote && args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}

	lastIndex, lastTerm := n.lastLogIndexAndTermLocked()
	upToDate := args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	alreadyVoted := !args.PreVote && n.votedFor != -1 && n.votedFor != int64(args.CandidateID)
	granted := upToDate && !alreadyVoted

	if granted {
		if !args.PreVote {
			n.votedFor = int64(args.CandidateID)
			n.persistMetaLocked()
		}
		n.resetElectionTimerLocked()
	}

	level.Debug(n.logger).Log("msg", "handled vote request", "requestID", args.RequestID, "preVote", args.PreVote, "candidate", args.CandidateID, "term", args.Term, "granted", granted)
	return &RequestVoteReply{RequestID: args.RequestID, Term: n.currentTerm, VoteGranted: granted}, nil
}
