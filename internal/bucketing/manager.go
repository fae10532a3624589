package bucketing

import (
	"hash"
	"sync"
	"time"

	"collection-otp-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps payment identifiers onto lock shards and audit
// partitions with murmur3.
type BucketingManager struct {
	lockShards   int
	eventBuckets int
	hasherPool   sync.Pool
}

type BucketAssignment struct {
	LockShard   int    `json:"lock_shard"`
	EventBucket int    `json:"event_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return newManager(cfg.Bucketing.LockShards, cfg.Bucketing.EventBuckets)
}

func newManager(lockShards, eventBuckets int) *BucketingManager {
	if lockShards <= 0 {
		lockShards = 256
	}
	if eventBuckets <= 0 {
		eventBuckets = 64
	}
	bm := &BucketingManager{
		lockShards:   lockShards,
		eventBuckets: eventBuckets,
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetLockShard returns the shard (0 to lockShards-1) guarding paymentID.
func (bm *BucketingManager) GetLockShard(paymentID string) int {
	return bm.getBucket(paymentID, bm.lockShards)
}

// GetEventBucket returns the partition bucket for security events.
func (bm *BucketingManager) GetEventBucket(paymentID string) int {
	return bm.getBucket(paymentID, bm.eventBuckets)
}

// GetDateBucket returns the UTC day partition for t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetBucketAssignment(paymentID string, at time.Time) *BucketAssignment {
	return &BucketAssignment{
		LockShard:   bm.GetLockShard(paymentID),
		EventBucket: bm.GetEventBucket(paymentID),
		DateBucket:  bm.GetDateBucket(at),
	}
}

func (bm *BucketingManager) GetLockShards() int {
	return bm.lockShards
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	h := bm.getHash(key)
	return int(h % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
