// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package raft implements spec §4.3–4.6: Peer State, the RPC surface,
// the Consensus Node's role state machine, and the Client Façade.
//
// The algorithmic core (election, replication, commit advancement) is
// grounded on the zero-dependency pack members yusong-yan-MultiRaft,
// srkaysh-Key-Value-store and moogacs-raft (an early snapshot of
// hashicorp/raft itself), since none of the teacher's files implement
// consensus. The ambient idiom — go-kit logging, prometheus metrics,
// defaults layered under explicit configuration — is carried over from the teacher,
// dreamsxin-wal, so the result reads as one system rather than a seam
// between two styles.
package raft

import (
	"encoding/binary"
	"fmt"
)

// Role is a node's position in the Raft role state machine (spec §4.5).
type Role int

const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case PreCandidate:
		return "PreCandidate"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ServerID identifies one member of the cluster configuration.
type ServerID uint32

// Server is one member of a ClusterConfiguration: its RPC address alongside
// its ID (spec §3 "Cluster Configuration").
type Server struct {
	ID   ServerID
	Host string
	Port int
}

// ClusterConfiguration is the active set of voting members. The active
// configuration is always the latest CONFIGURATION entry applied, or the
// snapshot's configuration if the log holds none (spec §3).
type ClusterConfiguration struct {
	Servers []Server
}

func (c ClusterConfiguration) has(id ServerID) bool {
	for _, s := range c.Servers {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (c ClusterConfiguration) without(id ServerID) ClusterConfiguration {
	out := ClusterConfiguration{Servers: make([]Server, 0, len(c.Servers))}
	for _, s := range c.Servers {
		if s.ID != id {
			out.Servers = append(out.Servers, s)
		}
	}
	return out
}

func (c ClusterConfiguration) with(s Server) ClusterConfiguration {
	out := c.without(s.ID)
	out.Servers = append(out.Servers, s)
	return out
}

// quorumSize returns the number of votes (including the caller) required
// for a majority of this configuration.
func (c ClusterConfiguration) quorumSize() int {
	return len(c.Servers)/2 + 1
}

// encodeConfiguration serializes a ClusterConfiguration into the opaque
// CONFIGURATION entry payload / snapshot Configuration bytes. Layout mirrors
// entry.go's fixed-field style: [count:4]{[id:4][hostLen:2][host...][port:4]}.
func encodeConfiguration(c ClusterConfiguration) []byte {
	size := 4
	for _, s := range c.Servers {
		size += 4 + 2 + len(s.Host) + 4
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.Servers)))
	off += 4
	for _, s := range c.Servers {
		binary.BigEndian.PutUint32(buf[off:], uint32(s.ID))
		off += 4
		binary.BigEndian.PutUint16(buf[off:], uint16(len(s.Host)))
		off += 2
		copy(buf[off:], s.Host)
		off += len(s.Host)
		binary.BigEndian.PutUint32(buf[off:], uint32(s.Port))
		off += 4
	}
	return buf
}

func decodeConfiguration(buf []byte) (ClusterConfiguration, error) {
	if len(buf) < 4 {
		return ClusterConfiguration{}, fmt.Errorf("raft: configuration payload too short")
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	off := 4
	servers := make([]Server, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4+2 > len(buf) {
			return ClusterConfiguration{}, fmt.Errorf("raft: truncated configuration entry")
		}
		id := binary.BigEndian.Uint32(buf[off:])
		off += 4
		hlen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+hlen+4 > len(buf) {
			return ClusterConfiguration{}, fmt.Errorf("raft: truncated configuration host/port")
		}
		host := string(buf[off : off+hlen])
		off += hlen
		port := binary.BigEndian.Uint32(buf[off:])
		off += 4
		servers = append(servers, Server{ID: ServerID(id), Host: host, Port: int(port)})
	}
	return ClusterConfiguration{Servers: servers}, nil
}
