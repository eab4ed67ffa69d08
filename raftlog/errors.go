// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"errors"

	"github.com/raftkit/raftcore"
)

// Re-exported so callers of this package don't need to import raftcore
// directly for the common cases, mirroring how dreamsxin-wal re-exports
// types.ErrNotFound/ErrCorrupt/ErrSealed/ErrClosed at package scope.
var (
	ErrNotFound   = raftcore.ErrNotFound
	ErrOutOfRange = raftcore.ErrOutOfRange
	ErrCorrupt    = raftcore.ErrCorrupt
	ErrClosed     = raftcore.ErrClosed
)

// ErrCorruptEntry marks a record whose encoded body failed to parse even
// though its CRC matched framing expectations (e.g. truncated mid-write
// before the CRC itself was updated). It is returned by reads (EntryAt,
// TermAt); recovery in Open checks only framing and CRC, never decodes
// entry bodies, and so never truncates on it.
var ErrCorruptEntry = errors.New("raftlog: corrupt entry body")

// ErrSegmentFull is returned internally when an append would exceed the
// configured segment size; callers never see it directly, it triggers a
// roll to a new segment.
var ErrSegmentFull = errors.New("raftlog: segment full")

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &raftcore.IOError{Op: op, Err: err}
}
