// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package snapshotstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	snapshotsTaken     prometheus.Counter
	snapshotsInstalled prometheus.Counter
	lastIncludedIndex  prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		snapshotsTaken: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_snapshots_taken",
			Help: "Number of snapshots this node has taken of its own state machine.",
		}),
		snapshotsInstalled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_snapshots_installed",
			Help: "Number of snapshots this node has installed from a leader.",
		}),
		lastIncludedIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_snapshot_last_included_index",
			Help: "lastIncludedIndex of the most recently committed snapshot.",
		}),
	}
}
