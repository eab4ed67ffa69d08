// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package snapshotstore implements spec §4.2, the Snapshot Store: a
// persistent snapshot directory with metadata (last included index/term,
// membership) plus opaque data files, swapped into place atomically via a
// temp-directory rename.
//
// The teacher (dreamsxin-wal) has no snapshot concept of its own; this
// package generalizes the rename/rotate discipline from wal.go's
// mutateStateLocked finalizer pattern (stage new state, commit metadata,
// only then swap) from segment rotation to whole-directory replacement.
package snapshotstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/raftkit/raftcore"
)

// Meta describes a snapshot: the last log entry folded into it and the
// cluster configuration as of that point (spec §3 "Snapshot Meta").
type Meta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     []byte // opaque, caller-encoded ClusterConfiguration
}

const (
	snapshotDirName = "snapshot"
	dataDirName     = "data"
	metaFileName    = "metadata"
)

// Store owns <dataDir>/snapshot on disk. It exposes a mutex distinct from
// the consensus node's state lock (spec §4.2 "Concurrency policy"), plus two
// CAS flags so a snapshot-take and a snapshot-install can never run at the
// same time.
type Store struct {
	root string // <dataDir>/snapshot

	mu     sync.Mutex // serializes writers vs readers of the snapshot dir
	logger log.Logger
	metrics *storeMetrics

	takingSnapshot    int32
	installingSnapshot int32
}

func Open(dataDir string, logger log.Logger, reg prometheus.Registerer) (*Store, error) {
	root := filepath.Join(dataDir, snapshotDirName)
	if err := os.MkdirAll(filepath.Join(root, dataDirName), 0o755); err != nil {
		return nil, &raftcore.IOError{Op: "mkdir snapshot dir", Err: err}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{root: root, logger: logger, metrics: newStoreMetrics(reg)}, nil
}

// CurrentMeta returns the metadata of the latest committed snapshot, or the
// zero Meta if none exists yet.
func (s *Store) CurrentMeta() (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetaLocked()
}

func (s *Store) readMetaLocked() (Meta, error) {
	path := filepath.Join(s.root, metaFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, &raftcore.IOError{Op: "read snapshot meta", Err: err}
	}
	return decodeMeta(data)
}

// BeginTakeSnapshot acquires the takingSnapshot flag (only if neither flag
// is already set, per spec §4.2) and prepares a temp directory for the
// state machine to write opaque files into.
func (s *Store) BeginTakeSnapshot() (tmpDir string, done func(), err error) {
	if !atomic.CompareAndSwapInt32(&s.takingSnapshot, 0, 1) {
		return "", nil, raftcore.ErrSnapshotBusy
	}
	if atomic.LoadInt32(&s.installingSnapshot) == 1 {
		atomic.StoreInt32(&s.takingSnapshot, 0)
		return "", nil, raftcore.ErrSnapshotBusy
	}
	tmp, err := os.MkdirTemp(s.root, "snapshot.tmp-*")
	if err != nil {
		atomic.StoreInt32(&s.takingSnapshot, 0)
		return "", nil, &raftcore.IOError{Op: "mkdir snapshot tmp", Err: err}
	}
	return tmp, func() { atomic.StoreInt32(&s.takingSnapshot, 0) }, nil
}

// CommitTakeSnapshot writes meta into tmpDir and atomically swaps tmpDir
// into place as the new <dataDir>/snapshot/data, deleting the old one.
func (s *Store) CommitTakeSnapshot(tmpDir string, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaPath := filepath.Join(tmpDir, metaFileName)
	if err := os.WriteFile(metaPath, encodeMeta(meta), 0o644); err != nil {
		return &raftcore.IOError{Op: "write snapshot meta", Err: err}
	}

	newData := filepath.Join(s.root, dataDirName)
	oldData := newData + ".old"
	_ = os.RemoveAll(oldData)

	if _, err := os.Stat(newData); err == nil {
		if err := os.Rename(newData, oldData); err != nil {
			return &raftcore.IOError{Op: "move aside old snapshot", Err: err}
		}
	}
	if err := os.Rename(tmpDir, newData); err != nil {
		// best effort: put the old one back so we don't lose it
		_ = os.Rename(oldData, newData)
		return &raftcore.IOError{Op: "rename snapshot tmp into place", Err: err}
	}
	if err := os.WriteFile(filepath.Join(s.root, metaFileName), encodeMeta(meta), 0o644); err != nil {
		return &raftcore.IOError{Op: "commit snapshot meta", Err: err}
	}
	_ = os.RemoveAll(oldData)

	s.metrics.snapshotsTaken.Inc()
	s.metrics.lastIncludedIndex.Set(float64(meta.LastIncludedIndex))
	level.Info(s.logger).Log("msg", "snapshot committed", "lastIncludedIndex", meta.LastIncludedIndex, "lastIncludedTerm", meta.LastIncludedTerm)
	return nil
}

// BeginInstallSnapshot acquires the installingSnapshot flag; it only
// proceeds if a take-snapshot is not in progress, per spec §4.2.
func (s *Store) BeginInstallSnapshot() (tmpDir string, done func(), err error) {
	if !atomic.CompareAndSwapInt32(&s.installingSnapshot, 0, 1) {
		return "", nil, raftcore.ErrSnapshotBusy
	}
	if atomic.LoadInt32(&s.takingSnapshot) == 1 {
		atomic.StoreInt32(&s.installingSnapshot, 0)
		return "", nil, raftcore.ErrSnapshotBusy
	}
	tmp, err := os.MkdirTemp(s.root, "install.tmp-*")
	if err != nil {
		atomic.StoreInt32(&s.installingSnapshot, 0)
		return "", nil, &raftcore.IOError{Op: "mkdir install tmp", Err: err}
	}
	return tmp, func() { atomic.StoreInt32(&s.installingSnapshot, 0) }, nil
}

// CommitInstallSnapshot is the follower-side equivalent of
// CommitTakeSnapshot: the chunk stream has completed (isLast), so swap the
// freshly-written directory into place.
func (s *Store) CommitInstallSnapshot(tmpDir string, meta Meta) error {
	s.metrics.snapshotsInstalled.Inc()
	return s.CommitTakeSnapshot(tmpDir, meta)
}

// OpenFilesForSend returns an ordered map of name -> *os.File for every
// opaque data file in the current snapshot, for streaming to a lagging peer
// via chunked InstallSnapshot.
func (s *Store) OpenFilesForSend() ([]string, map[string]*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataDir := filepath.Join(s.root, dataDirName)
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, map[string]*os.File{}, nil
		}
		return nil, nil, &raftcore.IOError{Op: "list snapshot data", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		// The metadata copy CommitTakeSnapshot writes into the data dir is
		// not a state-machine file.
		if !e.IsDir() && e.Name() != metaFileName {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make(map[string]*os.File, len(names))
	for _, n := range names {
		f, err := os.Open(filepath.Join(dataDir, n))
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, nil, &raftcore.IOError{Op: "open snapshot data file", Err: err}
		}
		files[n] = f
	}
	return names, files, nil
}

func encodeMeta(m Meta) []byte {
	body := make([]byte, 8+8+4+len(m.Configuration))
	binary.BigEndian.PutUint64(body[0:8], m.LastIncludedIndex)
	binary.BigEndian.PutUint64(body[8:16], m.LastIncludedTerm)
	binary.BigEndian.PutUint32(body[16:20], uint32(len(m.Configuration)))
	copy(body[20:], m.Configuration)

	frame := make([]byte, 12+len(body))
	binary.BigEndian.PutUint64(frame[0:8], uint64(crc32.ChecksumIEEE(body)))
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(body)))
	copy(frame[12:], body)
	return frame
}

func decodeMeta(frame []byte) (Meta, error) {
	if len(frame) < 12 {
		return Meta{}, raftcore.ErrCorrupt
	}
	crcField := binary.BigEndian.Uint64(frame[0:8])
	length := binary.BigEndian.Uint32(frame[8:12])
	body := frame[12:]
	if int(length) != len(body) {
		return Meta{}, raftcore.ErrCorrupt
	}
	if uint64(crc32.ChecksumIEEE(body)) != crcField {
		return Meta{}, raftcore.ErrCorrupt
	}
	if len(body) < 20 {
		return Meta{}, raftcore.ErrCorrupt
	}
	m := Meta{
		LastIncludedIndex: binary.BigEndian.Uint64(body[0:8]),
		LastIncludedTerm:  binary.BigEndian.Uint64(body[8:16]),
	}
	clen := binary.BigEndian.Uint32(body[16:20])
	if len(body[20:]) != int(clen) {
		return Meta{}, fmt.Errorf("%w: configuration length mismatch", raftcore.ErrCorrupt)
	}
	m.Configuration = append([]byte(nil), body[20:]...)
	return m, nil
}
