// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

// segmentMeta is the catalog-level description of one segment: enough to
// find it again without re-scanning the directory. It does not hold an open
// file handle; the log keeps those separately, indexed by baseIndex.
type segmentMeta struct {
	baseIndex uint64
	lastIndex uint64
	sealed    bool
}

// segmentIndex is the in-memory "(segmentName -> firstIndex, lastIndex)"
// table from spec §4.1, kept in ordered form in an immutable sorted map.
// Following dreamsxin-wal's state.segments field, the map itself is swapped
// atomically so a reader never observes a torn update; Log still reads and
// updates it under its own mutex.
type segmentIndex struct {
	m atomic.Value // *immutable.SortedMap[uint64, segmentMeta]
}

func newSegmentIndex() *segmentIndex {
	si := &segmentIndex{}
	si.m.Store(&immutable.SortedMap[uint64, segmentMeta]{})
	return si
}

func (si *segmentIndex) load() *immutable.SortedMap[uint64, segmentMeta] {
	return si.m.Load().(*immutable.SortedMap[uint64, segmentMeta])
}

func (si *segmentIndex) set(meta segmentMeta) {
	next := si.load().Set(meta.baseIndex, meta)
	si.m.Store(next)
}

func (si *segmentIndex) delete(baseIndex uint64) {
	next := si.load().Delete(baseIndex)
	si.m.Store(next)
}

// find returns the segmentMeta whose range contains index, or false if none
// does. It walks the sorted map from the lowest baseIndex upward until it
// passes index, so its cost grows with the number of segments. An empty
// segment contains no index and is never returned.
func (si *segmentIndex) find(index uint64) (segmentMeta, bool) {
	it := si.load().Iterator()
	var best segmentMeta
	found := false
	for !it.Done() {
		base, meta, _ := it.Next()
		if base > index {
			break
		}
		if index <= meta.lastIndex {
			best, found = meta, true
		}
	}
	return best, found
}

// baseIndices returns every segment's baseIndex in ascending order.
func (si *segmentIndex) baseIndices() []uint64 {
	m := si.load()
	out := make([]uint64, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		base, _, _ := it.Next()
		out = append(out, base)
	}
	return out
}

func (si *segmentIndex) len() int {
	return si.load().Len()
}
