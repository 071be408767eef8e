package cache

import (
	"time"

	"whale-backend/internal/utils"
)

// DefaultCapacity is the number of txids remembered for deduplication.
const DefaultCapacity = 10000

// Stats is a point-in-time view of a TransactionCache.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Base      int    `json:"base_capacity"`
	Evictions uint64 `json:"evictions"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
}

// TransactionCache remembers recently seen txids with their last-seen time.
// It is owned by a single goroutine (the classifier engine) and is not safe
// for concurrent use.
type TransactionCache struct {
	lru  *LRU[string, time.Time]
	base int
	keep func(utils.PressureLevel) float64

	hits   uint64
	misses uint64
}

// NewTransactionCache creates a cache of the given capacity. keep maps a
// pressure level to the fraction of base capacity retained; nil keeps the
// default memory config behaviour.
func NewTransactionCache(capacity int, keep func(utils.PressureLevel) float64) *TransactionCache {
	if capacity < 1 {
		capacity = 1
	}
	if keep == nil {
		keep = utils.DefaultMemoryConfig().KeepFraction
	}
	return &TransactionCache{
		lru:  NewLRU[string, time.Time](capacity),
		base: capacity,
		keep: keep,
	}
}

// Seen reports whether txID is cached and, if so, refreshes its recency.
func (tc *TransactionCache) Seen(txID string) bool {
	if _, ok := tc.lru.Get(txID); ok {
		tc.hits++
		return true
	}
	tc.misses++
	return false
}

// LastSeen returns when txID was last inserted.
func (tc *TransactionCache) LastSeen(txID string) (time.Time, bool) {
	return tc.lru.Peek(txID)
}

// Insert records txID as seen at ts, evicting the least recently used entry
// when the cache is full.
func (tc *TransactionCache) Insert(txID string, ts time.Time) {
	tc.lru.Add(txID, ts)
}

// Size returns the number of cached txids.
func (tc *TransactionCache) Size() int { return tc.lru.Len() }

// Capacity returns the current capacity.
func (tc *TransactionCache) Capacity() int { return tc.lru.Cap() }

// Resize changes the capacity. Shrinking evicts the oldest entries at once.
func (tc *TransactionCache) Resize(capacity int) {
	tc.lru.Resize(capacity)
}

// OnEnter shrinks the cache for the given pressure level.
func (tc *TransactionCache) OnEnter(level utils.PressureLevel) {
	target := int(float64(tc.base) * tc.keep(level))
	if target < tc.lru.Cap() {
		tc.Resize(target)
	}
}

// OnExit restores the configured capacity.
func (tc *TransactionCache) OnExit(utils.PressureLevel) {
	tc.Resize(tc.base)
}

// Stats returns a snapshot of the cache counters.
func (tc *TransactionCache) Stats() Stats {
	return Stats{
		Size:      tc.lru.Len(),
		Capacity:  tc.lru.Cap(),
		Base:      tc.base,
		Evictions: tc.lru.Evictions(),
		Hits:      tc.hits,
		Misses:    tc.misses,
	}
}
