// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddServerStreamsCatchUpThenJoinsAsVoter(t *testing.T) {
	nodes, _, registry := newCluster(t, 3)
	leader := awaitLeader(t, nodes, 2*time.Second)

	for i := 0; i < 5; i++ {
		_, err := leader.Propose(context.Background(), []byte("warmup"))
		require.NoError(t, err)
	}

	newID := ServerID(4)
	fsm := newFakeFSM()
	transport := NewLocalTransport(newID, registry)
	newNode, err := NewNode(testConfig(t), leader.currentConfiguration(), transport, fsm)
	require.NoError(t, err)
	registry.Register(newID, newNode)
	require.NoError(t, newNode.Start())
	t.Cleanup(func() { _ = newNode.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = leader.AddServer(ctx, Server{ID: newID, Host: "local", Port: 4})
	require.NoError(t, err)

	cfg := leader.currentConfiguration()
	require.True(t, cfg.has(newID))

	require.Eventually(t, func() bool {
		p, ok := leader.peers.get(newID)
		return ok && !p.nonVoter
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveServerShrinksConfigurationAndQuorum(t *testing.T) {
	nodes, _, _ := newCluster(t, 4)
	leader := awaitLeader(t, nodes, 2*time.Second)

	var victim ServerID
	for _, n := range nodes {
		if n != leader {
			victim = n.id
			break
		}
	}

	_, err := leader.RemoveServer(context.Background(), victim)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(leader.currentConfiguration().Servers) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, leader.currentConfiguration().has(victim))
	require.Equal(t, 2, leader.currentConfiguration().quorumSize())
}

func TestRemoveServerRejectsUnknownMember(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	leader := awaitLeader(t, nodes, 2*time.Second)

	_, err := leader.RemoveServer(context.Background(), ServerID(99))
	require.Error(t, err)
}

func TestAddServerRejectsDuplicateMember(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	leader := awaitLeader(t, nodes, 2*time.Second)

	existing := otherNodes(nodes, leader)[0].id
	_, err := leader.AddServer(context.Background(), Server{ID: existing, Host: "local", Port: 1})
	require.Error(t, err)
}
