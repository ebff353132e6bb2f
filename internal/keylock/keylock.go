// ABOUTME: Sharded per-key mutex serializing conversation-scoped operations
// ABOUTME: Operations on different keys proceed in parallel

package keylock

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// KeyLock provides mutual exclusion per string key. All claim, timer,
// and history mutations for one conversation key must run inside
// Lock(key)/Unlock(key); operations on different keys are independent.
// Keys are hashed onto a fixed set of shards, so two distinct keys may
// occasionally share a mutex. That only costs parallelism, never
// correctness.
type KeyLock struct {
	shards [shardCount]sync.Mutex
}

// New creates a KeyLock.
func New() *KeyLock {
	return &KeyLock{}
}

// Lock acquires the exclusive section for key.
func (k *KeyLock) Lock(key string) {
	k.shards[shardIndex(key)].Lock()
}

// Unlock releases the exclusive section for key.
func (k *KeyLock) Unlock(key string) {
	k.shards[shardIndex(key)].Unlock()
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
