// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"fmt"
	"sync"
)

// LocalTransport is an in-process Transport used by tests and the bench
// package: it dials directly into another node's Handler instead of
// crossing a socket. This is exactly the "message-passing abstraction"
// spec §1 says the wire transport should be treated as; a production
// deployment swaps this for a real binary-framed or gRPC implementation of
// the same Transport/RPCClient interfaces without touching this package.
type LocalTransport struct {
	id       ServerID
	registry *LocalRegistry
}

func NewLocalTransport(id ServerID, registry *LocalRegistry) *LocalTransport {
	return &LocalTransport{id: id, registry: registry}
}

func (t *LocalTransport) LocalID() ServerID { return t.id }

func (t *LocalTransport) Dial(peer Server) (RPCClient, error) {
	return &localClient{id: peer.ID, registry: t.registry}, nil
}

// LocalRegistry is the shared address book a set of LocalTransports dial
// into: every Node in a test or bench cluster registers its Handler here
// under its own ServerID.
type LocalRegistry struct {
	handlers syncMap
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{}
}

func (r *LocalRegistry) Register(id ServerID, h Handler) {
	r.handlers.set(id, h)
}

func (r *LocalRegistry) Unregister(id ServerID) {
	r.handlers.delete(id)
}

type localClient struct {
	id       ServerID
	registry *LocalRegistry
}

func (c *localClient) handler() (Handler, error) {
	h, ok := c.registry.handlers.get(c.id)
	if !ok {
		return nil, fmt.Errorf("raft: no handler registered for peer %d", c.id)
	}
	return h, nil
}

func (c *localClient) RequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	h, err := c.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(ctx, args)
}

func (c *localClient) AppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	h, err := c.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(ctx, args)
}

func (c *localClient) InstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	h, err := c.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(ctx, args)
}

func (c *localClient) GetLeaderCommitIndex(ctx context.Context, args *GetLeaderCommitIndexArgs) (*GetLeaderCommitIndexReply, error) {
	h, err := c.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleGetLeaderCommitIndex(ctx, args)
}

func (c *localClient) Close() error { return nil }

// syncMap is a tiny generic-free mutex-guarded map, avoiding a sync.Map's
// interface{} churn for the small, slow-changing peer registry.
type syncMap struct {
	mu sync.RWMutex
	m  map[ServerID]Handler
}

func (s *syncMap) set(id ServerID, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[ServerID]Handler)
	}
	s.m[id] = h
}

func (s *syncMap) delete(id ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *syncMap) get(id ServerID) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.m[id]
	return h, ok
}
