// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// catalogRecord is the bbolt-persisted complement to segmentMeta: one record
// per segment, keyed by its base index, holding its last index and sealed
// flag. SealedAt is declared but never filled in by this package.
// Recovery correctness never depends on this file — open() always rebuilds
// authoritative state by scanning and CRC-checking the segment files
// themselves (spec §4.1) — the catalog is a cache rebuilt alongside that
// scan, the same role hashicorp/raft-wal's bbolt-backed metaDB plays for
// its segment list.
type catalogRecord struct {
	BaseIndex uint64
	LastIndex uint64
	Sealed    bool
	SealedAt  time.Time
}

var segmentsBucket = []byte("segments")

// catalog wraps a bbolt database file used purely as an auxiliary index of
// segment metadata; Log writes it but never reads it back (list has no
// caller), so it is never consulted to decide correctness of the log.
type catalog struct {
	db *bolt.DB
}

func openCatalog(dir string) (*catalog, error) {
	db, err := bolt.Open(filepath.Join(dir, "segcat.db"), 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, ioErr("open segment catalog", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, ioErr("init segment catalog", err)
	}
	return &catalog{db: db}, nil
}

func (c *catalog) put(rec catalogRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return err
		}
		return tx.Bucket(segmentsBucket).Put(catalogKey(rec.BaseIndex), buf.Bytes())
	})
}

func (c *catalog) delete(baseIndex uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).Delete(catalogKey(baseIndex))
	})
}

func (c *catalog) list() ([]catalogRecord, error) {
	var out []catalogRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		return b.ForEach(func(_, v []byte) error {
			var rec catalogRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (c *catalog) close() error {
	return c.db.Close()
}

func catalogKey(baseIndex uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], baseIndex)
	return k[:]
}
