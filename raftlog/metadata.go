// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
)

// Metadata is the persisted, transactionally-updated companion to the log
// itself (spec §3 "Log Metadata"). It must be written before any RPC
// observes the new values (spec "Persistence before acknowledgement").
type Metadata struct {
	CurrentTerm   uint64
	VotedFor      int64 // -1 means "no vote cast this term"
	FirstLogIndex uint64
	CommitIndex   uint64
}

const metadataFileName = "metadata"
const metadataBodyLen = 8 + 8 + 8 + 8

// loadMetadata reads the CRC-framed metadata file. A missing file is not an
// error: it means a brand new log, and the zero Metadata (VotedFor -1) is
// returned.
func loadMetadata(dir string) (Metadata, error) {
	path := filepath.Join(dir, metadataFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Metadata{VotedFor: -1}, nil
	}
	if err != nil {
		return Metadata{}, ioErr("read metadata", err)
	}
	if len(data) < frameHeaderLen {
		return Metadata{}, ErrCorrupt
	}
	crcField := binary.BigEndian.Uint64(data[0:8])
	length := binary.BigEndian.Uint32(data[8:12])
	body := data[frameHeaderLen:]
	if int(length) != len(body) {
		return Metadata{}, ErrCorrupt
	}
	if uint64(crc32.ChecksumIEEE(body)) != crcField {
		return Metadata{}, ErrCorrupt
	}
	if len(body) != metadataBodyLen {
		return Metadata{}, ErrCorrupt
	}
	return Metadata{
		CurrentTerm:   binary.BigEndian.Uint64(body[0:8]),
		VotedFor:      int64(binary.BigEndian.Uint64(body[8:16])),
		FirstLogIndex: binary.BigEndian.Uint64(body[16:24]),
		CommitIndex:   binary.BigEndian.Uint64(body[24:32]),
	}, nil
}

// storeMetadata writes m to a temp file and renames it over the existing
// metadata file, fsyncing both the file and its containing directory so the
// update is durable before this call returns. This is what spec §4.1's
// updateMeta contract requires.
func storeMetadata(dir string, m Metadata) error {
	body := make([]byte, metadataBodyLen)
	binary.BigEndian.PutUint64(body[0:8], m.CurrentTerm)
	binary.BigEndian.PutUint64(body[8:16], uint64(m.VotedFor))
	binary.BigEndian.PutUint64(body[16:24], m.FirstLogIndex)
	binary.BigEndian.PutUint64(body[24:32], m.CommitIndex)

	frame := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint64(frame[0:8], uint64(crc32.ChecksumIEEE(body)))
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(body)))
	copy(frame[frameHeaderLen:], body)

	tmp := filepath.Join(dir, metadataFileName+".tmp")
	if err := os.WriteFile(tmp, frame, 0o644); err != nil {
		return ioErr("write metadata tmp", err)
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFileName)); err != nil {
		return ioErr("rename metadata", err)
	}
	d, err := os.Open(dir)
	if err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
