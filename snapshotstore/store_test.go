// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package snapshotstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raftcore"
)

func TestCurrentMetaEmpty(t *testing.T) {
	s, err := Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	m, err := s.CurrentMeta()
	require.NoError(t, err)
	require.Equal(t, Meta{}, m)
}

func TestTakeSnapshotRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), nil, nil)
	require.NoError(t, err)

	tmp, done, err := s.BeginTakeSnapshot()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "state.bin"), []byte("hello"), 0o644))

	meta := Meta{LastIncludedIndex: 42, LastIncludedTerm: 3, Configuration: []byte("cfg-v1")}
	require.NoError(t, s.CommitTakeSnapshot(tmp, meta))
	done()

	got, err := s.CurrentMeta()
	require.NoError(t, err)
	require.Equal(t, meta, got)

	names, files, err := s.OpenFilesForSend()
	require.NoError(t, err)
	require.Equal(t, []string{"state.bin"}, names)
	defer files["state.bin"].Close()
}

func TestConcurrentTakeAndInstallAreMutuallyExclusive(t *testing.T) {
	s, err := Open(t.TempDir(), nil, nil)
	require.NoError(t, err)

	_, doneTake, err := s.BeginTakeSnapshot()
	require.NoError(t, err)

	_, _, err = s.BeginInstallSnapshot()
	require.ErrorIs(t, err, raftcore.ErrSnapshotBusy)

	doneTake()

	_, doneInstall, err := s.BeginInstallSnapshot()
	require.NoError(t, err)

	_, _, err = s.BeginTakeSnapshot()
	require.ErrorIs(t, err, raftcore.ErrSnapshotBusy)
	doneInstall()
}
