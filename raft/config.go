// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Config collects every option from spec §6's configuration table. It is a
// plain struct rather than functional options; zero-valued fields are filled
// from DefaultConfig by applyDefaults.
type Config struct {
	ID      ServerID
	DataDir string

	MaxSegmentFileSize         int64
	VoteTimeout                time.Duration
	KeepAlivePeriod            time.Duration
	MaxEntryBatchSize          int
	MaxSnapshotBytesPerRequest int
	SnapshotMinLogSize         int64
	BackupInterval             time.Duration
	CatchupMargin              uint64
	MaxAwaitTimeout            time.Duration
	AsyncWrite                 bool
	ConsensusThreadNum         int

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// DefaultConfig returns the baseline values named or implied by spec §6 and
// §8's seed scenarios (e.g. S1's voteTimeoutMs=1000, keepAlive=100).
func DefaultConfig() Config {
	return Config{
		MaxSegmentFileSize:         64 * 1024 * 1024,
		VoteTimeout:                1000 * time.Millisecond,
		KeepAlivePeriod:            100 * time.Millisecond,
		MaxEntryBatchSize:          256,
		MaxSnapshotBytesPerRequest: 1 << 20,
		SnapshotMinLogSize:         64 * 1024 * 1024,
		BackupInterval:             30 * time.Second,
		CatchupMargin:              100,
		MaxAwaitTimeout:            5 * time.Second,
		AsyncWrite:                 false,
		ConsensusThreadNum:         8,
		Logger:                     log.NewNopLogger(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxSegmentFileSize == 0 {
		c.MaxSegmentFileSize = d.MaxSegmentFileSize
	}
	if c.VoteTimeout == 0 {
		c.VoteTimeout = d.VoteTimeout
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = d.KeepAlivePeriod
	}
	if c.MaxEntryBatchSize == 0 {
		c.MaxEntryBatchSize = d.MaxEntryBatchSize
	}
	if c.MaxSnapshotBytesPerRequest == 0 {
		c.MaxSnapshotBytesPerRequest = d.MaxSnapshotBytesPerRequest
	}
	if c.SnapshotMinLogSize == 0 {
		c.SnapshotMinLogSize = d.SnapshotMinLogSize
	}
	if c.BackupInterval == 0 {
		c.BackupInterval = d.BackupInterval
	}
	if c.CatchupMargin == 0 {
		c.CatchupMargin = d.CatchupMargin
	}
	if c.MaxAwaitTimeout == 0 {
		c.MaxAwaitTimeout = d.MaxAwaitTimeout
	}
	if c.ConsensusThreadNum == 0 {
		c.ConsensusThreadNum = d.ConsensusThreadNum
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}
