package risk

import (
	"hash/fnv"
	"sync"
)

const kmutexShards = 128

// KeyedMutex serializes baseline read-modify-write cycles per user.
// Sharded so the lock table never grows with the user population, at
// the cost of occasional false sharing: distinct users that hash to
// the same shard serialize against each other. With 128 shards and
// lock hold times of one scoring pass that contention is negligible;
// raise kmutexShards before reaching for per-key refcounted locks.
type KeyedMutex struct {
	shards [kmutexShards]sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

// Lock acquires the shard for key and returns the unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%kmutexShards]
	m.Lock()
	return m.Unlock
}
