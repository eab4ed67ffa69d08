// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// logMetrics mirrors dreamsxin-wal's walMetrics: one counter/gauge per
// operation of interest, all registered through promauto so callers just
// pass a prometheus.Registerer (or nil to disable).
type logMetrics struct {
	bytesWritten     prometheus.Counter
	entriesWritten   prometheus.Counter
	appends          prometheus.Counter
	entryBytesRead   prometheus.Counter
	entriesRead      prometheus.Counter
	segmentRotations prometheus.Counter
	entriesTruncated *prometheus.CounterVec
	truncations      *prometheus.CounterVec
}

func newLogMetrics(reg prometheus.Registerer) *logMetrics {
	return &logMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entry_bytes_written",
			Help: "Bytes of log entry payload written, before framing overhead.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entries_written",
			Help: "Number of log entries written.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_appends",
			Help: "Number of calls to append, i.e. number of batches.",
		}),
		entryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entry_bytes_read",
			Help: "Bytes of log entry payload read back.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entries_read",
			Help: "Number of log entries successfully read back by entryAt.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_segment_rotations",
			Help: "Number of times a new segment file was opened.",
		}),
		entriesTruncated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raftlog_entries_truncated",
			Help: "Number of log entries truncated from the front or back.",
		}, []string{"side"}),
		truncations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raftlog_truncations",
			Help: "Number of truncate calls, labeled by side and outcome.",
		}, []string{"side", "success"}),
	}
}
