// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigApplied(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	require.Equal(t, DefaultConfig().MaxSegmentFileSize, cfg.MaxSegmentFileSize)
	require.Equal(t, DefaultConfig().VoteTimeout, cfg.VoteTimeout)
	require.NotNil(t, cfg.Logger)
}

func TestConfigExplicitValuesSurviveDefaults(t *testing.T) {
	cfg := Config{VoteTimeout: 5 * time.Millisecond, ConsensusThreadNum: 2}
	cfg.applyDefaults()
	require.Equal(t, 5*time.Millisecond, cfg.VoteTimeout)
	require.Equal(t, 2, cfg.ConsensusThreadNum)
	require.Equal(t, DefaultConfig().KeepAlivePeriod, cfg.KeepAlivePeriod)
}

func TestPeerMapAddGetRemove(t *testing.T) {
	m := newPeerMap()
	p := newPeerState(7, nil, 10)
	m.add(p)

	got, ok := m.get(7)
	require.True(t, ok)
	require.Equal(t, uint64(11), got.nextIndex)

	removed := m.remove(7)
	require.NotNil(t, removed)
	_, ok = m.get(7)
	require.False(t, ok)
	require.Nil(t, m.remove(7))
}

func TestClusterConfigurationQuorumSize(t *testing.T) {
	c := ClusterConfiguration{Servers: []Server{{ID: 1}, {ID: 2}, {ID: 3}}}
	require.Equal(t, 2, c.quorumSize())

	c2 := c.without(3)
	require.Equal(t, 2, len(c2.Servers))
	require.False(t, c2.has(3))

	c3 := c2.with(Server{ID: 4})
	require.True(t, c3.has(4))
	require.Equal(t, 3, len(c3.Servers))
}

func TestEncodeDecodeConfigurationRoundTrip(t *testing.T) {
	cfg := ClusterConfiguration{Servers: []Server{
		{ID: 1, Host: "10.0.0.1", Port: 8001},
		{ID: 2, Host: "10.0.0.2", Port: 8002},
	}}
	decoded, err := decodeConfiguration(encodeConfiguration(cfg))
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)
}
