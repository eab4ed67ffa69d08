// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raftcore/raft"
)

// noopFSM discards every applied entry; the bench package measures
// consensus round-trip latency, not state-machine apply cost.
type noopFSM struct{}

func (noopFSM) ApplyData(payload []byte) error                            { return nil }
func (noopFSM) WriteSnapshot(tmpDir string, lastAppliedIndex uint64) error { return nil }
func (noopFSM) ReadSnapshot(dir string) error                              { return nil }
func (noopFSM) Get(key string) ([]byte, bool)                              { return nil, false }

func newBenchCluster(b *testing.B, n int) ([]*raft.Node, func()) {
	b.Helper()
	registry := raft.NewLocalRegistry()
	servers := make([]raft.Server, n)
	for i := range servers {
		servers[i] = raft.Server{ID: raft.ServerID(i + 1), Host: "local", Port: i + 1}
	}
	bootstrap := raft.ClusterConfiguration{Servers: servers}

	nodes := make([]*raft.Node, n)
	for i := 0; i < n; i++ {
		id := raft.ServerID(i + 1)
		cfg := raft.DefaultConfig()
		cfg.DataDir = b.TempDir()
		cfg.VoteTimeout = 40 * time.Millisecond
		cfg.KeepAlivePeriod = 10 * time.Millisecond
		cfg.MaxAwaitTimeout = 5 * time.Second

		node, err := raft.NewNode(cfg, bootstrap, raft.NewLocalTransport(id, registry), noopFSM{})
		require.NoError(b, err)
		registry.Register(id, node)
		nodes[i] = node
	}
	for _, node := range nodes {
		require.NoError(b, node.Start())
	}
	return nodes, func() {
		for _, node := range nodes {
			_ = node.Stop()
		}
	}
}

func awaitBenchLeader(b *testing.B, nodes []*raft.Node, timeout time.Duration) *raft.Node {
	b.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Fatal("no leader elected within timeout")
	return nil
}
