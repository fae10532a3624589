package bucketing

import "sync"

// KeyedLocker serializes work per payment. Keys hashing to the same shard
// share a mutex, so unrelated payments may occasionally wait on each other
// but the same payment never runs two load-modify-save cycles at once.
type KeyedLocker struct {
	bm     *BucketingManager
	shards []sync.Mutex
}

func NewKeyedLocker(bm *BucketingManager) *KeyedLocker {
	return &KeyedLocker{
		bm:     bm,
		shards: make([]sync.Mutex, bm.GetLockShards()),
	}
}

// Lock blocks until key's shard is free and returns the matching unlock.
func (l *KeyedLocker) Lock(key string) func() {
	m := &l.shards[l.bm.GetLockShard(key)]
	m.Lock()
	return m.Unlock
}
