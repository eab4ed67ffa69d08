// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raftcore/raftlog"
)

func newStandaloneNode(t *testing.T) *Node {
	t.Helper()
	registry := NewLocalRegistry()
	bootstrap := ClusterConfiguration{Servers: []Server{{ID: 1, Host: "local", Port: 1}}}
	transport := NewLocalTransport(1, registry)
	n, _ := newSingleNode(t, bootstrap, transport)
	registry.Register(1, n)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func TestHandleRequestVoteGrantsWhenLogUpToDate(t *testing.T) {
	n := newStandaloneNode(t)
	reply, err := n.HandleRequestVote(context.Background(), &RequestVoteArgs{
		CandidateID: 2, Term: 1,
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
	require.Equal(t, uint64(1), reply.Term)
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n := newStandaloneNode(t)
	n.mu.Lock()
	n.currentTerm = 5
	n.mu.Unlock()

	reply, err := n.HandleRequestVote(context.Background(), &RequestVoteArgs{
		CandidateID: 2, Term: 3,
	})
	require.NoError(t, err)
	require.False(t, reply.VoteGranted)
	require.Equal(t, uint64(5), reply.Term)
}

func TestHandleRequestVoteRejectsSecondVoteSameTerm(t *testing.T) {
	n := newStandaloneNode(t)

	reply1, err := n.HandleRequestVote(context.Background(), &RequestVoteArgs{CandidateID: 2, Term: 1})
	require.NoError(t, err)
	require.True(t, reply1.VoteGranted)

	reply2, err := n.HandleRequestVote(context.Background(), &RequestVoteArgs{CandidateID: 3, Term: 1})
	require.NoError(t, err)
	require.False(t, reply2.VoteGranted)
}

func TestHandleRequestVoteRejectsWhenCandidateLogIsStale(t *testing.T) {
	n := newStandaloneNode(t)
	n.mu.Lock()
	_, err := n.log.Append([]raftlog.Entry{{Index: 1, Term: 1, Type: raftlog.EntryData, Payload: []byte("x")}})
	n.mu.Unlock()
	require.NoError(t, err)

	reply, err := n.HandleRequestVote(context.Background(), &RequestVoteArgs{
		CandidateID: 2, Term: 2, LastLogIndex: 0, LastLogTerm: 0,
	})
	require.NoError(t, err)
	require.False(t, reply.VoteGranted)
}

func TestPreVoteDoesNotMutateTermOrVotedFor(t *testing.T) {
	n := newStandaloneNode(t)
	reply, err := n.HandleRequestVote(context.Background(), &RequestVoteArgs{
		PreVote: true, CandidateID: 2, Term: 9,
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, uint64(0), n.currentTerm)
	require.Equal(t, int64(-1), n.votedFor)
}

func TestPreVoteFailsWithoutQuorumLeavesNodeFollower(t *testing.T) {
	// A 3-member configuration where the other two peers are never
	// registered: every RequestVote RPC the candidate issues fails, so
	// the pre-vote round can never reach quorum and must not touch
	// currentTerm (spec's "partition healed" guarantee).
	registry := NewLocalRegistry()
	bootstrap := ClusterConfiguration{Servers: []Server{
		{ID: 1, Host: "local", Port: 1},
		{ID: 2, Host: "local", Port: 2},
		{ID: 3, Host: "local", Port: 3},
	}}
	transport := NewLocalTransport(1, registry)
	n, _ := newSingleNode(t, bootstrap, transport)
	registry.Register(1, n)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })

	n.startPreVote()

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, Follower, n.role)
	require.Equal(t, uint64(0), n.currentTerm)
}
