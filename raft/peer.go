// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

// peerState is the per-peer replication cursor described by spec §4.3:
// nextIndex (leader's guess of the next entry to send), matchIndex (highest
// known-replicated index), voteGranted (nullable, reset every election), and
// caughtUp (used while a new non-voting member streams up to the cluster).
//
// Grounded on yusong-yan-MultiRaft's rf.nextIndex/rf.matchIndex slices,
// generalized to a struct-per-peer (closer to moogacs-raft's
// followerReplication) so peers can be created when they first appear in
// the configuration and torn down when removed, which a position-indexed
// slice can't express (spec §4.3 "destroyed when removed").
type peerState struct {
	id ServerID

	nextIndex  uint64
	matchIndex uint64

	voteGranted *bool // nil = no reply yet this election round

	// caughtUp is set once a non-voting member streaming log/snapshot has
	// closed to within catchupMargin entries of the leader (spec §4.5
	// "Membership changes").
	caughtUp    bool
	nonVoter    bool

	client RPCClient
}

func newPeerState(id ServerID, client RPCClient, lastLogIndex uint64) *peerState {
	return &peerState{
		id:         id,
		nextIndex:  lastLogIndex + 1,
		matchIndex: 0,
		client:     client,
	}
}

// resetForElection clears the vote tally for a new election round, per
// spec §9 "reset voteGranted to null at each new election round".
func (p *peerState) resetForElection() {
	p.voteGranted = nil
}

// peerMap owns the lifetime of every non-self peer's state. Held under the
// node's state lock; closing a peer's RPC client happens outside the lock
// (spec §5 "No lock may span a network I/O").
type peerMap struct {
	peers map[ServerID]*peerState
}

func newPeerMap() *peerMap {
	return &peerMap{peers: make(map[ServerID]*peerState)}
}

func (m *peerMap) get(id ServerID) (*peerState, bool) {
	p, ok := m.peers[id]
	return p, ok
}

func (m *peerMap) add(p *peerState) {
	m.peers[p.id] = p
}

// remove detaches the peer record and returns it so the caller can close its
// RPC client after releasing the state lock.
func (m *peerMap) remove(id ServerID) *peerState {
	p, ok := m.peers[id]
	if !ok {
		return nil
	}
	delete(m.peers, id)
	return p
}

func (m *peerMap) all() []*peerState {
	out := make([]*peerState, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *peerMap) resetForElection() {
	for _, p := range m.peers {
		p.resetForElection()
	}
}
