// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/raftkit/raftcore/raftlog"
	"github.com/raftkit/raftcore/snapshotstore"
)

var errMismatchedInstallReply = errors.New("raft: install snapshot reply request id mismatch")

// applierLoop is the single consumer of commitCond: it hands committed
// entries to the state machine strictly in order, so apply order always
// equals commit order (spec §5 "Ordering guarantees"). Grounded on
// yusong-yan-MultiRaft's applier goroutine waiting on applyCond.
func (n *Node) applierLoop() {
	defer n.wg.Done()
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		for !n.closed && n.lastAppliedIndex >= n.commitIndex {
			n.commitCond.Wait()
		}
		if n.closed {
			return
		}
		idx := n.lastAppliedIndex + 1
		n.mu.Unlock()
		e, err := n.log.EntryAt(idx)
		if err != nil {
			level.Error(n.logger).Log("msg", "applier failed to read committed entry", "index", idx, "err", err)
			n.mu.Lock()
			continue
		}
		switch e.Type {
		case raftlog.EntryData:
			if err := n.fsm.ApplyData(e.Payload); err != nil {
				level.Error(n.logger).Log("msg", "state machine apply failed", "index", idx, "err", err)
			}
		case raftlog.EntryConfiguration:
			if cfg, err := decodeConfiguration(e.Payload); err == nil {
				n.mu.Lock()
				n.configuration = cfg
				n.rebuildPeersLocked()
				n.mu.Unlock()
			}
		}
		n.mu.Lock()
		n.lastAppliedIndex = idx
		n.metrics.entriesApplied.Inc()
		n.metrics.lastApplied.Set(float64(idx))
		n.wakeAppliedWaitersLocked()
	}
}

// snapshotEvaluatorLoop periodically checks whether a snapshot is due, per
// spec §4.5 "Snapshotting": backupIntervalSeconds governs the evaluation
// cadence, snapshotMinLogSize and lastAppliedIndex > lastIncludedIndex gate
// whether one is actually taken.
func (n *Node) snapshotEvaluatorLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.maybeTakeSnapshot()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) maybeTakeSnapshot() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	lastApplied := n.lastAppliedIndex
	n.mu.Unlock()

	if n.log.TotalSize() < n.cfg.SnapshotMinLogSize {
		return
	}
	snapMeta, err := n.snapshots.CurrentMeta()
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to read current snapshot meta", "err", err)
		return
	}
	if lastApplied <= snapMeta.LastIncludedIndex {
		return
	}
	n.takeSnapshot(lastApplied)
}

// takeSnapshot asks the state machine to serialize into a temp dir under the
// snapshot store's takingSnapshot CAS lock, then commits and prefix-truncates
// the log. No teacher analogue; built directly from spec §4.2/§4.5 using the
// same CAS discipline as snapshotstore.Store itself.
func (n *Node) takeSnapshot(lastApplied uint64) {
	tmpDir, done, err := n.snapshots.BeginTakeSnapshot()
	if err != nil {
		level.Debug(n.logger).Log("msg", "snapshot skipped, already busy", "err", err)
		return
	}
	defer done()

	n.mu.Lock()
	term, err := n.termAtOrSnapshotLocked(lastApplied)
	configuration := n.configuration
	n.mu.Unlock()
	if err != nil {
		level.Error(n.logger).Log("msg", "cannot resolve term for snapshot index", "index", lastApplied, "err", err)
		return
	}

	if err := n.fsm.WriteSnapshot(tmpDir, lastApplied); err != nil {
		level.Error(n.logger).Log("msg", "state machine snapshot write failed", "err", err)
		return
	}

	meta := snapshotstore.Meta{
		LastIncludedIndex: lastApplied,
		LastIncludedTerm:  term,
		Configuration:     encodeConfiguration(configuration),
	}
	if err := n.snapshots.CommitTakeSnapshot(tmpDir, meta); err != nil {
		level.Error(n.logger).Log("msg", "snapshot commit failed", "err", err)
		return
	}
	n.metrics.snapshotsTaken.Inc()

	n.mu.Lock()
	if err := n.log.TruncatePrefix(lastApplied + 1); err != nil {
		level.Error(n.logger).Log("msg", "post-snapshot prefix truncate failed", "err", err)
	}
	n.mu.Unlock()
	level.Info(n.logger).Log("msg", "snapshot taken", "lastIncludedIndex", lastApplied, "term", term)
}

// sendSnapshotToPeer streams the current snapshot to a lagging peer in
// chunks of maxSnapshotBytesPerRequest (spec §4.5 step 1, §4.4
// InstallSnapshot). Runs on the worker pool in place of a regular
// AppendEntries round for this peer.
func (n *Node) sendSnapshotToPeer(p *peerState, term uint64) {
	meta, err := n.snapshots.CurrentMeta()
	if err != nil || meta.LastIncludedIndex == 0 {
		level.Debug(n.logger).Log("msg", "no snapshot available yet for lagging peer", "peer", p.id)
		return
	}
	names, files, err := n.snapshots.OpenFilesForSend()
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to open snapshot files for send", "err", err)
		return
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	ctx := context.Background()
	chunkSize := n.cfg.MaxSnapshotBytesPerRequest
	if chunkSize <= 0 {
		chunkSize = DefaultConfig().MaxSnapshotBytesPerRequest
	}
	snapMeta := &InstallSnapshotMeta{
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		Configuration:     meta.Configuration,
	}

	sendChunk := func(chunk SnapshotChunk) (*InstallSnapshotReply, error) {
		requestID := uuid.NewString()
		reply, err := p.client.InstallSnapshot(ctx, &InstallSnapshotArgs{RequestID: requestID, Term: term, LeaderID: n.id, Chunk: chunk})
		if err == nil && reply.RequestID != "" && reply.RequestID != requestID {
			level.Debug(n.logger).Log("msg", "discarding mismatched install snapshot reply", "peer", p.id)
			return nil, errMismatchedInstallReply
		}
		return reply, err
	}

	first := true
	confirmedLast := false
	if len(names) == 0 {
		reply, err := sendChunk(SnapshotChunk{IsFirst: true, IsLast: true, SnapshotMeta: snapMeta})
		if err != nil {
			level.Debug(n.logger).Log("msg", "install snapshot rpc failed", "peer", p.id, "err", err)
			return
		}
		if !n.observeInstallReply(reply, term) {
			return
		}
		confirmedLast = reply.Success
	} else {
		buf := make([]byte, chunkSize)
		for i, name := range names {
			f := files[name]
			info, err := f.Stat()
			if err != nil {
				level.Error(n.logger).Log("msg", "failed to stat snapshot file for send", "file", name, "err", err)
				return
			}
			total := info.Size()
			isFinalFile := i == len(names)-1
			var offset int64
			for {
				nRead, readErr := f.ReadAt(buf, offset)
				if readErr != nil && readErr != io.EOF {
					level.Error(n.logger).Log("msg", "failed to read snapshot file for send", "file", name, "err", readErr)
					return
				}
				data := append([]byte(nil), buf[:nRead]...)
				offset += int64(nRead)
				// A chunk is only the final one for its file once the
				// offset has actually reached the file's size, not merely
				// when a short read happened to be observed — a file
				// whose length is an exact multiple of chunkSize (or a
				// 0-byte file) never produces a short read.
				isLastChunkOfFile := offset >= total
				isLastOverall := isFinalFile && isLastChunkOfFile
				chunk := SnapshotChunk{
					FileName: name,
					Offset:   uint64(offset) - uint64(len(data)),
					Data:     data,
					IsFirst:  first,
					IsLast:   isLastOverall,
				}
				if first {
					chunk.SnapshotMeta = snapMeta
				}
				reply, err := sendChunk(chunk)
				if err != nil {
					level.Debug(n.logger).Log("msg", "install snapshot rpc failed", "peer", p.id, "err", err)
					return
				}
				if !n.observeInstallReply(reply, term) {
					return
				}
				if isLastOverall {
					confirmedLast = reply.Success
				}
				first = false
				if isLastChunkOfFile {
					break
				}
			}
		}
	}

	if !confirmedLast {
		level.Error(n.logger).Log("msg", "snapshot send to peer did not complete with a confirmed final chunk", "peer", p.id)
		return
	}

	n.mu.Lock()
	if pp, ok := n.peers.get(p.id); ok {
		pp.matchIndex = meta.LastIncludedIndex
		pp.nextIndex = meta.LastIncludedIndex + 1
	}
	n.mu.Unlock()
	level.Info(n.logger).Log("msg", "snapshot sent to peer", "peer", p.id, "lastIncludedIndex", meta.LastIncludedIndex)
}

// observeInstallReply steps down if the peer's term is ahead; returns false
// if the send loop should stop.
func (n *Node) observeInstallReply(reply *InstallSnapshotReply, term uint64) bool {
	if reply.Term <= term {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.stepDownIfStaleLocked(reply.Term)
	return false
}

// HandleInstallSnapshot accumulates a chunk stream into a temp directory and
// atomically swaps it into place on the final chunk, per spec §4.4. Chunks
// for a given install never overlap in flight since the leader's replication
// task for this peer is single-threaded (spec §5).
func (n *Node) HandleInstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	n.mu.Lock()
	if args.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: false}, nil
	}
	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}
	n.leaderID = args.LeaderID
	n.haveLeader = true
	n.resetElectionTimerLocked()
	term := n.currentTerm
	n.mu.Unlock()

	n.installMu.Lock()
	defer n.installMu.Unlock()

	chunk := args.Chunk
	if chunk.IsFirst {
		if n.installTmpDir != "" && n.installDone != nil {
			n.installDone()
		}
		tmpDir, done, err := n.snapshots.BeginInstallSnapshot()
		if err != nil {
			return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: false}, nil
		}
		n.installTmpDir = tmpDir
		n.installDone = done
		n.installMeta = chunk.SnapshotMeta
	}
	if n.installTmpDir == "" {
		return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: false}, nil
	}

	if chunk.FileName != "" {
		path := filepath.Join(n.installTmpDir, chunk.FileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			level.Error(n.logger).Log("msg", "failed to open install chunk file", "err", err)
			return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: false}, nil
		}
		_, werr := f.WriteAt(chunk.Data, int64(chunk.Offset))
		cerr := f.Close()
		if werr != nil || cerr != nil {
			level.Error(n.logger).Log("msg", "failed to write install chunk", "werr", werr, "cerr", cerr)
			return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: false}, nil
		}
	}

	if !chunk.IsLast {
		return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: true}, nil
	}

	installMeta := n.installMeta
	tmpDir := n.installTmpDir
	done := n.installDone
	n.installTmpDir = ""
	n.installMeta = nil
	n.installDone = nil

	meta := snapshotstore.Meta{}
	if installMeta != nil {
		meta = snapshotstore.Meta{
			LastIncludedIndex: installMeta.LastIncludedIndex,
			LastIncludedTerm:  installMeta.LastIncludedTerm,
			Configuration:     installMeta.Configuration,
		}
	}
	if err := n.snapshots.CommitInstallSnapshot(tmpDir, meta); err != nil {
		done()
		level.Error(n.logger).Log("msg", "failed to commit installed snapshot", "err", err)
		return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: false}, nil
	}
	done()

	if err := n.fsm.ReadSnapshot(filepath.Join(n.cfg.DataDir, "snapshot", "data")); err != nil {
		level.Error(n.logger).Log("msg", "failed to hydrate state machine from installed snapshot", "err", err)
	}

	n.mu.Lock()
	if err := n.log.TruncatePrefix(meta.LastIncludedIndex + 1); err != nil {
		level.Error(n.logger).Log("msg", "post-install prefix truncate failed", "err", err)
	}
	if cfg, err := decodeConfiguration(meta.Configuration); err == nil {
		n.configuration = cfg
		n.rebuildPeersLocked()
	}
	if n.lastAppliedIndex < meta.LastIncludedIndex {
		n.lastAppliedIndex = meta.LastIncludedIndex
	}
	if n.commitIndex < meta.LastIncludedIndex {
		n.commitIndex = meta.LastIncludedIndex
	}
	n.metrics.lastApplied.Set(float64(n.lastAppliedIndex))
	n.metrics.commitIndex.Set(float64(n.commitIndex))
	n.wakeAppliedWaitersLocked()
	n.mu.Unlock()

	level.Info(n.logger).Log("msg", "snapshot installed", "lastIncludedIndex", meta.LastIncludedIndex)
	return &InstallSnapshotReply{RequestID: args.RequestID, Term: term, Success: true}, nil
}
