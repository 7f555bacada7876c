package engine

import (
	"encoding/binary"
	"sync"

	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

const shardCount = 32

// ownerShards spreads per-owner values over independently locked shards.
// Every mutation of an owner's value happens under that owner's shard
// lock, so writes to one key are serialized and readers never observe a
// partial write, while unrelated keys proceed in parallel.
type ownerShards[V any] struct {
	shards [shardCount]*ownerShard[V]
}

type ownerShard[V any] struct {
	mu    sync.RWMutex
	items map[engine.Principal]V
}

func newOwnerShards[V any]() *ownerShards[V] {
	s := &ownerShards[V]{}
	for i := range s.shards {
		s.shards[i] = &ownerShard[V]{items: make(map[engine.Principal]V)}
	}
	return s
}

func (s *ownerShards[V]) shard(owner engine.Principal) *ownerShard[V] {
	return s.shards[binary.BigEndian.Uint32(owner[engine.PrincipalSize-4:])%shardCount]
}

// read runs fn with the owner's value under a read lock.
func (s *ownerShards[V]) read(owner engine.Principal, fn func(v V, ok bool)) {
	sh := s.shard(owner)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.items[owner]
	fn(v, ok)
}

// write runs fn with exclusive access to the owner's slot. fn may modify
// the map entry through the set callback.
func (s *ownerShards[V]) write(owner engine.Principal, fn func(v V, ok bool, set func(V)) error) error {
	sh := s.shard(owner)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.items[owner]
	return fn(v, ok, func(nv V) { sh.items[owner] = nv })
}

// each visits every owner. The visit holds one shard's read lock at a time.
func (s *ownerShards[V]) each(fn func(owner engine.Principal, v V)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.items {
			fn(k, v)
		}
		sh.mu.RUnlock()
	}
}
