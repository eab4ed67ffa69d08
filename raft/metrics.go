// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// nodeMetrics mirrors dreamsxin-wal/metrics.go's one-struct-per-package
// pattern: plain counters/gauges registered once at construction, incremented
// inline at the call site rather than threaded through as an interface.
type nodeMetrics struct {
	termChanges       prometheus.Counter
	electionsStarted  prometheus.Counter
	electionsWon      prometheus.Counter
	appendEntriesSent *prometheus.CounterVec
	appendEntriesRecv prometheus.Counter
	entriesApplied    prometheus.Counter
	snapshotsTaken    prometheus.Counter
	role              prometheus.Gauge
	commitIndex       prometheus.Gauge
	lastApplied       prometheus.Gauge
}

func newNodeMetrics(reg prometheus.Registerer) *nodeMetrics {
	f := promauto.With(reg)
	return &nodeMetrics{
		termChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_term_changes_total",
			Help: "Number of times currentTerm advanced.",
		}),
		electionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_elections_started_total",
			Help: "Number of election rounds (PreCandidate or Candidate) started.",
		}),
		electionsWon: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_elections_won_total",
			Help: "Number of elections that resulted in becoming Leader.",
		}),
		appendEntriesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raft_append_entries_sent_total",
			Help: "AppendEntries RPCs sent by outcome.",
		}, []string{"result"}),
		appendEntriesRecv: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_append_entries_received_total",
			Help: "AppendEntries RPCs handled as a follower.",
		}),
		entriesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_entries_applied_total",
			Help: "Log entries handed to the state machine.",
		}),
		snapshotsTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_snapshots_taken_total",
			Help: "Snapshots evaluated and committed by this node.",
		}),
		role: f.NewGauge(prometheus.GaugeOpts{
			Name: "raft_role",
			Help: "Current role as an integer (0=Follower,3=Leader); set only on becoming leader and on stepping down, so 1=PreCandidate and 2=Candidate are never reported.",
		}),
		commitIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "raft_commit_index",
			Help: "Highest log index known committed.",
		}),
		lastApplied: f.NewGauge(prometheus.GaugeOpts{
			Name: "raft_last_applied_index",
			Help: "Highest log index applied to the state machine.",
		}),
	}
}
