// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFSM is a minimal StateMachine used across the package's tests: it
// just records applied payloads in order, and can snapshot/restore that
// slice. Grounded on the StateMachine contract in fsm.go, kept deliberately
// trivial since these tests exercise the consensus layer, not a real
// key/value engine.
type fakeFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func newFakeFSM() *fakeFSM {
	return &fakeFSM{}
}

func (f *fakeFSM) ApplyData(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, append([]byte(nil), payload...))
	return nil
}

func (f *fakeFSM) WriteSnapshot(tmpDir string, lastAppliedIndex uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.applied); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(tmpDir, "state.gob"), buf.Bytes(), 0o644)
}

func (f *fakeFSM) ReadSnapshot(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "state.gob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return gob.NewDecoder(bytes.NewReader(data)).Decode(&f.applied)
}

func (f *fakeFSM) Get(key string) ([]byte, bool) { return nil, false }

func (f *fakeFSM) Applied() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.applied))
	copy(out, f.applied)
	return out
}

// testConfig returns a Config tuned for fast, deterministic tests: short
// timeouts, snapshotting disabled by a very high threshold.
func testConfig(t *testing.T) Config {
	return Config{
		DataDir:            t.TempDir(),
		VoteTimeout:        40 * time.Millisecond,
		KeepAlivePeriod:    10 * time.Millisecond,
		MaxAwaitTimeout:    2 * time.Second,
		SnapshotMinLogSize: 1 << 30,
		BackupInterval:     time.Hour,
		CatchupMargin:      5,
	}
}

func newSingleNode(t *testing.T, bootstrap ClusterConfiguration, transport Transport) (*Node, *fakeFSM) {
	t.Helper()
	fsm := newFakeFSM()
	n, err := NewNode(testConfig(t), bootstrap, transport, fsm)
	require.NoError(t, err)
	return n, fsm
}

// newCluster wires up n in-process nodes sharing one LocalRegistry, starts
// them all, and registers a cleanup to stop them at test end.
func newCluster(t *testing.T, n int) ([]*Node, []*fakeFSM, *LocalRegistry) {
	t.Helper()
	registry := NewLocalRegistry()
	servers := make([]Server, n)
	for i := range servers {
		servers[i] = Server{ID: ServerID(i + 1), Host: "local", Port: i + 1}
	}
	bootstrap := ClusterConfiguration{Servers: servers}

	nodes := make([]*Node, n)
	fsms := make([]*fakeFSM, n)
	for i := 0; i < n; i++ {
		id := ServerID(i + 1)
		transport := NewLocalTransport(id, registry)
		node, fsm := newSingleNode(t, bootstrap, transport)
		registry.Register(id, node)
		nodes[i] = node
		fsms[i] = fsm
	}
	for _, node := range nodes {
		require.NoError(t, node.Start())
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			_ = node.Stop()
		}
	})
	return nodes, fsms, registry
}

func awaitLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func otherNodes(nodes []*Node, leader *Node) []*Node {
	out := make([]*Node, 0, len(nodes)-1)
	for _, n := range nodes {
		if n != leader {
			out = append(out, n)
		}
	}
	return out
}
