// Package sync provides keyed locking for per-resource serialization.
package sync

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// ShardedMutex serializes work per key by hashing keys onto a fixed set of
// mutexes. Distinct keys may share a shard; a key never spans two.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex creates a ShardedMutex with n shards, or 64 when n <= 0.
func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = defaultShards
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

func (m *ShardedMutex) Lock(key string)   { m.shards[m.shardFor(key)].Lock() }
func (m *ShardedMutex) Unlock(key string) { m.shards[m.shardFor(key)].Unlock() }

// TryLock reports whether the key's shard was free and is now held.
func (m *ShardedMutex) TryLock(key string) bool { return m.shards[m.shardFor(key)].TryLock() }

func (m *ShardedMutex) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
