package sync

import (
	"fmt"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	m := NewShardedMutex(8)
	var (
		wg      stdsync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("subject-1")
			defer m.Unlock("subject-1")
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestShardedMutexTryLock(t *testing.T) {
	m := NewShardedMutex(0)
	assert.Len(t, m.shards, defaultShards)

	m.Lock("subject-1")
	assert.False(t, m.TryLock("subject-1"))
	m.Unlock("subject-1")
	assert.True(t, m.TryLock("subject-1"))
	m.Unlock("subject-1")
}

func TestShardDistribution(t *testing.T) {
	m := NewShardedMutex(16)
	used := make(map[int]bool)
	for i := range 1000 {
		key := fmt.Sprintf("subject-%d", i)
		shard := m.shardFor(key)
		assert.Equal(t, shard, m.shardFor(key))
		used[shard] = true
	}
	assert.Len(t, used, 16)
}
