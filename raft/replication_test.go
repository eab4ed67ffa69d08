// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raftcore/raftlog"
)

// asLeaderWithLog puts n directly into the Leader role over a 3-voter
// configuration without running a real election, appends n entries at
// term, and returns the two non-self peerStates so a test can drive
// advanceCommitLocked by hand.
func asLeaderWithLog(t *testing.T, n *Node, term uint64, entries int) (*peerState, *peerState) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.currentTerm = term
	n.role = Leader
	n.configuration = ClusterConfiguration{Servers: []Server{{ID: 1}, {ID: 2}, {ID: 3}}}

	batch := make([]raftlog.Entry, 0, entries)
	for i := 1; i <= entries; i++ {
		batch = append(batch, raftlog.Entry{Index: uint64(i), Term: term, Type: raftlog.EntryData, Payload: []byte("x")})
	}
	_, err := n.log.Append(batch)
	require.NoError(t, err)

	p2 := newPeerState(2, nil, 0)
	p3 := newPeerState(3, nil, 0)
	n.peers.add(p2)
	n.peers.add(p3)
	return p2, p3
}

func TestAdvanceCommitMedianRule(t *testing.T) {
	n := newStandaloneNode(t)
	p2, p3 := asLeaderWithLog(t, n, 2, 5)

	n.mu.Lock()
	p2.matchIndex = 5
	p3.matchIndex = 2
	n.advanceCommitLocked()
	committed := n.commitIndex
	n.mu.Unlock()

	// voters sorted: [2 (p3), 5 (leader), 5 (p2)], quorum=2 -> candidateCommit=voters[1]=5.
	require.Equal(t, uint64(5), committed)
}

func TestAdvanceCommitRefusesPriorTermEntryByCountAlone(t *testing.T) {
	n := newStandaloneNode(t)
	// Leader's log has 2 entries, both from earlier terms (1 and 2); the
	// leader is in term 3.
	n.mu.Lock()
	n.currentTerm = 3
	n.role = Leader
	n.configuration = ClusterConfiguration{Servers: []Server{{ID: 1}, {ID: 2}, {ID: 3}}}
	_, err := n.log.Append([]raftlog.Entry{
		{Index: 1, Term: 1, Type: raftlog.EntryData, Payload: []byte("a")},
		{Index: 2, Term: 2, Type: raftlog.EntryData, Payload: []byte("b")},
	})
	require.NoError(t, err)
	p2 := newPeerState(2, nil, 0)
	p3 := newPeerState(3, nil, 0)
	n.peers.add(p2)
	n.peers.add(p3)
	p2.matchIndex = 2
	p3.matchIndex = 2
	n.advanceCommitLocked()
	committed := n.commitIndex
	n.mu.Unlock()

	// candidateCommit=2 has term 2, not currentTerm 3: must not commit.
	require.Equal(t, uint64(0), committed)
}

func TestHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	n := newStandaloneNode(t)
	reply, err := n.HandleAppendEntries(context.Background(), &AppendEntriesArgs{
		LeaderID: 9, Term: 1, PrevLogIndex: 5, PrevLogTerm: 1,
	})
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, FailLogMismatch, reply.Code)
}

func TestHandleAppendEntriesAppendsAndAdvancesCommit(t *testing.T) {
	n := newStandaloneNode(t)
	reply, err := n.HandleAppendEntries(context.Background(), &AppendEntriesArgs{
		LeaderID: 9, Term: 1,
		Entries: []raftlog.Entry{
			{Index: 1, Term: 1, Type: raftlog.EntryData, Payload: []byte("x")},
			{Index: 2, Term: 1, Type: raftlog.EntryData, Payload: []byte("y")},
		},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.True(t, reply.Success)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, uint64(2), n.log.LastIndex())
	require.Equal(t, uint64(1), n.commitIndex)
	require.Equal(t, ServerID(9), n.leaderID)
}

func TestHandleAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	n := newStandaloneNode(t)
	_, err := n.HandleAppendEntries(context.Background(), &AppendEntriesArgs{
		LeaderID: 9, Term: 1,
		Entries: []raftlog.Entry{
			{Index: 1, Term: 1, Type: raftlog.EntryData, Payload: []byte("x")},
			{Index: 2, Term: 1, Type: raftlog.EntryData, Payload: []byte("stale")},
		},
	})
	require.NoError(t, err)

	reply, err := n.HandleAppendEntries(context.Background(), &AppendEntriesArgs{
		LeaderID: 9, Term: 2, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []raftlog.Entry{
			{Index: 2, Term: 2, Type: raftlog.EntryData, Payload: []byte("fresh")},
		},
	})
	require.NoError(t, err)
	require.True(t, reply.Success)

	n.mu.Lock()
	defer n.mu.Unlock()
	e, err := n.log.EntryAt(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Term)
	require.Equal(t, []byte("fresh"), e.Payload)
}
