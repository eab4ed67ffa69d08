// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/raftkit/raftcore"
	"github.com/raftkit/raftcore/raftlog"
	"github.com/raftkit/raftcore/snapshotstore"
)

// Node is the Consensus Node of spec §4.5: the role state machine, election
// and heartbeat timers, replication dispatcher, commit advancer, snapshot
// coordinator and membership applier, all guarded by one coarse state lock
// per spec §5. The mutex+condvar shape is grounded on
// yusong-yan-MultiRaft/src/raft/raft.go's ticker/applyCond pattern; the
// dependency-injection constructor shape (stores, transport, fsm passed in,
// background goroutines started on demand) follows moogacs-raft's NewRaft.
type Node struct {
	id  ServerID
	cfg Config

	log       *raftlog.Log
	snapshots *snapshotstore.Store
	fsm       StateMachine
	transport Transport
	logger    log.Logger
	metrics   *nodeMetrics

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    int64 // -1 = none
	leaderID    ServerID
	haveLeader  bool

	commitIndex      uint64
	lastAppliedIndex uint64

	configuration ClusterConfiguration
	peers         *peerMap

	closed bool

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	commitCond *sync.Cond // signalled when lastAppliedIndex advances
	syncCond   *sync.Cond // signalled when a catching-up peer crosses catchupMargin

	waiters map[uint64][]chan error // applied-index waiters keyed by target index

	rngMu sync.Mutex
	rng   *rand.Rand

	workCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	// installMu serializes the chunk stream of one in-progress
	// InstallSnapshot, kept separate from n.mu since it spans slow disk
	// writes (spec §4.2 "a mutex distinct from the node's state lock").
	installMu     sync.Mutex
	installTmpDir string
	installDone   func()
	installMeta   *InstallSnapshotMeta
}

// NewNode constructs a Node over an existing Transport and host state
// machine. Call Start to recover from disk and begin participating.
func NewNode(cfg Config, bootstrap ClusterConfiguration, transport Transport, fsm StateMachine) (*Node, error) {
	cfg.applyDefaults()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("raft: DataDir is required")
	}
	n := &Node{
		id:            transport.LocalID(),
		cfg:           cfg,
		fsm:           fsm,
		transport:     transport,
		logger:        cfg.Logger,
		metrics:       newNodeMetrics(cfg.Registerer),
		role:          Follower,
		votedFor:      -1,
		configuration: bootstrap,
		peers:         newPeerMap(),
		waiters:       make(map[uint64][]chan error),
		rng:           rand.New(rand.NewSource(int64(transport.LocalID()) + time.Now().UnixNano())),
		workCh:        make(chan func(), 4096),
		stopCh:        make(chan struct{}),
	}
	n.commitCond = sync.NewCond(&n.mu)
	n.syncCond = sync.NewCond(&n.mu)
	return n, nil
}

// Start recovers persisted state from disk, rebuilds peer state for the
// active configuration, and begins the election timer and background
// workers. Grounded on moogacs-raft's NewRaft/restoreSnapshot sequencing:
// snapshot first (if any), then log tail, then timers.
func (n *Node) Start() error {
	logDir := filepath.Join(n.cfg.DataDir, "log")
	l, err := raftlog.Open(logDir,
		raftlog.WithMaxSegmentFileSize(n.cfg.MaxSegmentFileSize),
		raftlog.WithLogger(n.logger),
		raftlog.WithRegisterer(n.cfg.Registerer),
	)
	if err != nil {
		return fmt.Errorf("raft: fatal log open failure: %w", err)
	}
	n.log = l

	store, err := snapshotstore.Open(n.cfg.DataDir, n.logger, n.cfg.Registerer)
	if err != nil {
		return fmt.Errorf("raft: fatal snapshot store open failure: %w", err)
	}
	n.snapshots = store

	meta := l.Metadata()
	n.mu.Lock()
	n.currentTerm = meta.CurrentTerm
	n.votedFor = meta.VotedFor
	n.commitIndex = meta.CommitIndex
	n.mu.Unlock()

	snapMeta, err := store.CurrentMeta()
	if err != nil {
		return err
	}
	n.lastAppliedIndex = snapMeta.LastIncludedIndex
	if snapMeta.LastIncludedIndex > 0 {
		if cfgBytes := snapMeta.Configuration; len(cfgBytes) > 0 {
			if c, err := decodeConfiguration(cfgBytes); err == nil {
				n.configuration = c
			}
		}
		if err := n.fsm.ReadSnapshot(filepath.Join(n.cfg.DataDir, "snapshot", "data")); err != nil {
			return fmt.Errorf("raft: fatal snapshot restore failure: %w", err)
		}
	}

	// Recover the latest CONFIGURATION entry applied beyond the snapshot, if
	// any, scanning back from the log tail.
	if cfg, ok := n.latestConfigurationInLog(); ok {
		n.configuration = cfg
	}

	n.rebuildPeersLocked()

	for i := 0; i < n.cfg.ConsensusThreadNum; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	n.wg.Add(1)
	go n.applierLoop()

	n.wg.Add(1)
	go n.snapshotEvaluatorLoop()

	n.mu.Lock()
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	level.Info(n.logger).Log("msg", "node started", "id", n.id, "term", n.currentTerm, "commitIndex", n.commitIndex, "lastApplied", n.lastAppliedIndex)
	return nil
}

// latestConfigurationInLog scans backward from the log tail for the most
// recent CONFIGURATION entry, used only during Start's recovery.
func (n *Node) latestConfigurationInLog() (ClusterConfiguration, bool) {
	last := n.log.LastIndex()
	first := n.log.FirstIndex()
	for idx := last; idx >= first && idx > 0; idx-- {
		e, err := n.log.EntryAt(idx)
		if err != nil {
			break
		}
		if e.Type == raftlog.EntryConfiguration {
			cfg, err := decodeConfiguration(e.Payload)
			if err == nil {
				return cfg, true
			}
		}
	}
	return ClusterConfiguration{}, false
}

// rebuildPeersLocked synchronizes n.peers with n.configuration: dials new
// members, leaves existing ones alone, and drops members no longer present.
// Must be called with n.mu held.
func (n *Node) rebuildPeersLocked() {
	want := make(map[ServerID]Server, len(n.configuration.Servers))
	for _, s := range n.configuration.Servers {
		if s.ID == n.id {
			continue
		}
		want[s.ID] = s
	}
	for _, p := range n.peers.all() {
		if _, ok := want[p.id]; !ok {
			removed := n.peers.remove(p.id)
			if removed != nil {
				go removed.client.Close()
			}
		}
	}
	for id, s := range want {
		if _, ok := n.peers.get(id); ok {
			continue
		}
		client, err := n.transport.Dial(s)
		if err != nil {
			level.Warn(n.logger).Log("msg", "failed to dial peer", "peer", id, "err", err)
			continue
		}
		n.peers.add(newPeerState(id, client, n.log.LastIndex()))
	}
}

// Stop halts all background activity and releases disk handles.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	n.commitCond.Broadcast()
	n.syncCond.Broadcast()
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()

	for _, p := range n.peers.all() {
		_ = p.client.Close()
	}
	return n.log.Close()
}

// submit dispatches f to the bounded worker pool (size raftConsensusThreadNum
// per spec §5), keeping outbound RPCs and background work off the caller's
// goroutine so the state lock is never held across a network send.
func (n *Node) submit(f func()) {
	select {
	case n.workCh <- f:
	case <-n.stopCh:
	}
}

func (n *Node) worker() {
	defer n.wg.Done()
	for {
		select {
		case f := <-n.workCh:
			f()
		case <-n.stopCh:
			return
		}
	}
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// IsLeader reports whether this node currently believes itself Leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderHint returns the last known leader, if any.
func (n *Node) LeaderHint() (ServerID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.haveLeader
}

func (n *Node) electionTimeout() time.Duration {
	base := n.cfg.VoteTimeout
	n.rngMu.Lock()
	jitter := time.Duration(n.rng.Int63n(int64(base)))
	n.rngMu.Unlock()
	return base + jitter
}

// resetElectionTimerLocked arms a fresh randomized election timeout, per
// spec §4.5 "uniform random draw over [base, 2*base]". Must hold n.mu.
func (n *Node) resetElectionTimerLocked() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	d := n.electionTimeout()
	n.electionTimer = time.AfterFunc(d, n.onElectionTimeout)
}

func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	if n.closed || n.role == Leader {
		n.mu.Unlock()
		return
	}
	n.resetElectionTimerLocked()
	n.mu.Unlock()
	n.submit(n.startPreVote)
}

// stepDownLocked transitions to Follower on observing a higher term, per
// spec's Role diagram. Must hold n.mu; persists term/votedFor before
// returning (spec "persistence before acknowledgement").
func (n *Node) stepDownLocked(newTerm uint64) {
	if newTerm < n.currentTerm {
		// Stale callers can race here; spec §9 treats this as defensive
		// logging, never an assertion.
		level.Debug(n.logger).Log("msg", "stepDown called with term lower than current", "currentTerm", n.currentTerm, "newTerm", newTerm)
		return
	}
	wasLeader := n.role == Leader
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		n.votedFor = -1
		n.metrics.termChanges.Inc()
		n.persistMetaLocked()
	}
	n.role = Follower
	n.metrics.role.Set(float64(Follower))
	n.peers.resetForElection()
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	n.resetElectionTimerLocked()
	if wasLeader {
		level.Info(n.logger).Log("msg", "stepped down from leader", "term", n.currentTerm)
	}
}

// stepDownIfStaleLocked steps down when replyTerm is newer than the term
// we're currently operating under and returns raftcore.ErrStaleTerm,
// signaling the caller to discard the rest of the reply rather than act on
// it (spec §5 "Cancellation"). Must hold n.mu.
func (n *Node) stepDownIfStaleLocked(replyTerm uint64) error {
	if replyTerm > n.currentTerm {
		n.stepDownLocked(replyTerm)
		return raftcore.ErrStaleTerm
	}
	return nil
}

// persistMetaLocked writes currentTerm/votedFor/commitIndex to the log's
// metadata file. Must hold n.mu; must be called before any RPC response that
// reveals the new values (spec's "Persistence before acknowledgement").
func (n *Node) persistMetaLocked() {
	m := raftlog.Metadata{
		CurrentTerm:   n.currentTerm,
		VotedFor:      n.votedFor,
		FirstLogIndex: n.log.FirstIndex(),
		CommitIndex:   n.commitIndex,
	}
	if err := n.log.UpdateMeta(m); err != nil {
		level.Error(n.logger).Log("msg", "failed to persist metadata", "err", err)
	}
}

// lastLogIndexAndTermLocked returns the last index/term this node has on
// disk, falling back to the latest snapshot's included index/term if the log
// is empty (spec §4.5 "prevLogTerm resolved from log or snapshot meta").
func (n *Node) lastLogIndexAndTermLocked() (uint64, uint64) {
	last := n.log.LastIndex()
	first := n.log.FirstIndex()
	if last < first {
		snapMeta, err := n.snapshots.CurrentMeta()
		if err == nil {
			return snapMeta.LastIncludedIndex, snapMeta.LastIncludedTerm
		}
		return 0, 0
	}
	term, err := n.log.TermAt(last)
	if err != nil {
		return last, 0
	}
	return last, term
}

// termAtOrSnapshotLocked resolves the term of index, consulting the
// snapshot's lastIncludedTerm when index predates the log's first entry.
func (n *Node) termAtOrSnapshotLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index < n.log.FirstIndex() {
		snapMeta, err := n.snapshots.CurrentMeta()
		if err == nil && snapMeta.LastIncludedIndex == index {
			return snapMeta.LastIncludedTerm, nil
		}
		return 0, raftcore.ErrOutOfRange
	}
	return n.log.TermAt(index)
}

// wakeAppliedWaitersLocked notifies callers registered through
// registerAppliedWaiterLocked whose target index has now been reached or
// surpassed. Must hold n.mu.
func (n *Node) wakeAppliedWaitersLocked() {
	for idx, chans := range n.waiters {
		if idx <= n.lastAppliedIndex {
			for _, ch := range chans {
				close(ch)
			}
			delete(n.waiters, idx)
		}
	}
}

// registerAppliedWaiterLocked returns a channel closed once lastAppliedIndex
// reaches index. Must hold n.mu.
func (n *Node) registerAppliedWaiterLocked(index uint64) <-chan error {
	ch := make(chan error)
	if index <= n.lastAppliedIndex {
		close(ch)
		return ch
	}
	n.waiters[index] = append(n.waiters[index], ch)
	return ch
}

var errNodeClosed = errors.New("raft: node closed")
