// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package raftcore is the module root; it only holds the error taxonomy
// shared by every subpackage (raftlog, snapshotstore, raft).
package raftcore

import "errors"

// Sentinel errors shared across the log, snapshot and consensus layers.
// Handlers compare against these with errors.Is rather than inspecting
// textual messages, the way dreamsxin-wal's ErrNotFound/ErrCorrupt/ErrSealed
// are used throughout the WAL package.
var (
	// ErrNotFound is returned when an index outside the log's current
	// [first, last] range is requested, whether it was truncated away or has
	// not been appended yet.
	ErrNotFound = errors.New("raftcore: index not found")

	// ErrOutOfRange is returned when the term of an index below the log's
	// first index is requested and that index is not the latest snapshot's
	// last included index.
	ErrOutOfRange = errors.New("raftcore: index out of range")

	// ErrCorrupt marks a segment or metadata record that failed its CRC
	// check. Segment recovery treats it as end-of-valid-log and does not
	// surface it; a corrupt log or snapshot metadata file is returned to the
	// caller as this error.
	ErrCorrupt = errors.New("raftcore: corrupt record")

	// ErrClosed is returned by operations on a raftlog.Log after Close has
	// been called.
	ErrClosed = errors.New("raftcore: closed")

	// ErrSnapshotBusy is returned when a snapshot or install is already in
	// progress and a second one is requested concurrently.
	ErrSnapshotBusy = errors.New("raftcore: snapshot operation already in progress")

	// ErrNotLeader is returned by client-facing operations when the local
	// node does not believe it is the leader.
	ErrNotLeader = errors.New("raftcore: not leader")

	// ErrQuorumTimeout is returned when a propose or read helper gives up
	// waiting for quorum acknowledgement before its deadline. The
	// underlying log entry, if any, may still commit later.
	ErrQuorumTimeout = errors.New("raftcore: quorum wait timed out")

	// ErrStaleTerm marks an RPC reply whose term has since been superseded;
	// handlers must never act on it.
	ErrStaleTerm = errors.New("raftcore: stale term")
)

// IOError wraps a storage failure observed during log append or fsync. The
// caller must treat the operation as failed and must not advertise the
// index it attempted to write; the node itself otherwise remains up.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return "raftcore: io error during " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}
