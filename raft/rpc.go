// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"

	"github.com/raftkit/raftcore/raftlog"
)

// ResultCode is carried on AppendEntries replies alongside the responder's
// term. RequestVote and InstallSnapshot replies carry no ResultCode; they
// report their outcome only as VoteGranted or Success.
type ResultCode int

const (
	Success ResultCode = iota
	FailTerm
	FailLogMismatch
)

// RequestVoteArgs is shared by RequestVote and PreVote (spec §4.4); the
// PreVote flag selects the non-binding "would you vote?" semantics without
// touching currentTerm/votedFor.
type RequestVoteArgs struct {
	// RequestID tags this RPC attempt so the caller can recognize and
	// discard a reply that arrives after it has already moved on to a
	// new attempt (spec §5 "Cancellation"). Minted with google/uuid, the
	// same way cuemby-warren mints identifiers for in-flight work.
	RequestID    string
	PreVote      bool
	CandidateID  ServerID
	Term         uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	RequestID   string
	Term        uint64
	VoteGranted bool
}

type AppendEntriesArgs struct {
	RequestID    string
	LeaderID     ServerID
	Term         uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []raftlog.Entry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	RequestID string
	Term      uint64
	Code      ResultCode
	Success   bool
	// Hint is the responder's lastLogIndex, except on a term mismatch at
	// PrevLogIndex, where it is PrevLogIndex-1. The leader sets nextIndex to
	// Hint+1; a zero Hint makes it step nextIndex back by one instead.
	Hint uint64
}

// SnapshotChunk is one piece of a chunked InstallSnapshot stream (spec
// §4.4). SnapshotMeta is only populated on the first chunk.
type SnapshotChunk struct {
	FileName     string
	Offset       uint64
	Data         []byte
	IsFirst      bool
	IsLast       bool
	SnapshotMeta *InstallSnapshotMeta // set iff IsFirst
}

type InstallSnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     []byte
}

type InstallSnapshotArgs struct {
	RequestID string
	Term      uint64
	LeaderID  ServerID
	Chunk     SnapshotChunk
}

type InstallSnapshotReply struct {
	RequestID string
	Term      uint64
	Success   bool
}

type GetLeaderCommitIndexArgs struct{}

type GetLeaderCommitIndexReply struct {
	Term        uint64
	CommitIndex uint64
	IsLeader    bool
}

// RPCClient is the node's view of one peer: a handle capable of issuing the
// four RPC kinds. Spec §1 explicitly treats the wire transport as an
// external message-passing abstraction, so this is the entire seam: a real
// binary-framed or gRPC transport would implement this interface without
// this package needing to change. Grounded on moogacs-raft's Transport
// (LocalAddr/Consumer) and srkaysh-Key-Value-store's labrpc typed
// args/reply calls, collapsed into one Go interface.
type RPCClient interface {
	RequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
	GetLeaderCommitIndex(ctx context.Context, args *GetLeaderCommitIndexArgs) (*GetLeaderCommitIndexReply, error)
	Close() error
}

// Transport mints an RPCClient for a given peer and reports the local
// server's ID. It does not register inbound handlers: whoever owns the
// transport registers the Node as a Handler separately (for LocalTransport,
// with LocalRegistry.Register).
type Transport interface {
	Dial(peer Server) (RPCClient, error)
	LocalID() ServerID
}

// Handler is implemented by *Node and is where a Transport delivers inbound
// RPCs. All handlers execute under the node's state lock and may block
// briefly on the log but must never block on peers (spec §4.4).
type Handler interface {
	HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	HandleInstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
	HandleGetLeaderCommitIndex(ctx context.Context, args *GetLeaderCommitIndexArgs) (*GetLeaderCommitIndexReply, error)
}
