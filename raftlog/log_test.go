// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func entries(n int, startIndex, term uint64) []Entry {
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = Entry{
			Index:   startIndex + uint64(i),
			Term:    term,
			Type:    EntryData,
			Payload: []byte{byte('A' + i%26)},
		}
	}
	return out
}

func TestOpenEmptyLog(t *testing.T) {
	l := tempLog(t)
	require.Equal(t, uint64(0), l.LastIndex())
}

func TestAppendAndEntryAt(t *testing.T) {
	l := tempLog(t)
	last, err := l.Append(entries(3, 1, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	for i := uint64(1); i <= 3; i++ {
		e, err := l.EntryAt(i)
		require.NoError(t, err)
		require.Equal(t, i, e.Index)
		require.Equal(t, uint64(1), e.Term)
	}

	_, err = l.EntryAt(4)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTermAt(t *testing.T) {
	l := tempLog(t)
	_, err := l.Append(entries(2, 1, 5))
	require.NoError(t, err)
	term, err := l.TermAt(2)
	require.NoError(t, err)
	require.Equal(t, uint64(5), term)
}

func TestAppendRejectsNonContiguous(t *testing.T) {
	l := tempLog(t)
	_, err := l.Append(entries(1, 1, 1))
	require.NoError(t, err)
	_, err = l.Append(entries(1, 3, 1))
	require.Error(t, err)
}

func TestTruncateSuffix(t *testing.T) {
	l := tempLog(t)
	_, err := l.Append(entries(5, 1, 1))
	require.NoError(t, err)

	require.NoError(t, l.TruncateSuffix(3))
	require.Equal(t, uint64(3), l.LastIndex())
	_, err = l.EntryAt(4)
	require.ErrorIs(t, err, ErrNotFound)

	// Leader can still append a conflicting replacement tail.
	_, err = l.Append(entries(2, 4, 2))
	require.NoError(t, err)
	term, err := l.TermAt(4)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
}

func TestTruncatePrefixDropsWholeSegments(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, WithMaxSegmentFileSize(entrySizeForN(3)))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, err = l.Append(entries(3, uint64(i*3+1), 1))
		require.NoError(t, err)
	}
	require.True(t, len(l.segments) >= 2, "expected multiple segments to have been rolled")

	require.NoError(t, l.TruncatePrefix(7))
	require.Equal(t, uint64(7), l.FirstIndex())
	_, err = l.EntryAt(6)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := l.EntryAt(7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), e.Index)
}

func entrySizeForN(n int) int64 {
	// Rough per-entry on-disk size (header + encoded entry with 1-byte
	// payload) so that every n appends forces a segment roll.
	return int64(n) * int64(frameHeaderLen+21+1)
}

func TestUpdateMetaPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMeta(Metadata{CurrentTerm: 7, VotedFor: 2, FirstLogIndex: 1, CommitIndex: 0}))
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, uint64(7), l2.Metadata().CurrentTerm)
	require.Equal(t, int64(2), l2.Metadata().VotedFor)
}

func TestRecoveryTruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.Append(entries(3, 1, 1))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Corrupt the last few bytes of the (only) segment file to simulate a
	// torn write.
	segPath := dir + "/segments/" + segmentFileName(1)
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-2))
	require.NoError(t, f.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()
	// The truncated final record should have been dropped.
	require.Equal(t, uint64(2), l2.LastIndex())
}
