package cache

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
)

// IdempotencyCache remembers idempotency keys this process has stored. A miss
// proves the key is new to this process only; other replicas may have seen
// it, so the unique index in the database stays authoritative.
type IdempotencyCache struct {
	filter         *bloom.BloomFilter
	mu             sync.RWMutex
	misses         atomic.Int64
	possibleHits   atomic.Int64
	falsePositives atomic.Int64
}

// NewIdempotencyCache sizes the filter for expected keys at fpRate.
func NewIdempotencyCache(expected uint, fpRate float64) *IdempotencyCache {
	return &IdempotencyCache{filter: bloom.NewWithEstimates(expected, fpRate)}
}

// MaybeSeen is false only for keys never added.
func (c *IdempotencyCache) MaybeSeen(key string) bool {
	c.mu.RLock()
	seen := c.filter.TestString(key)
	c.mu.RUnlock()

	if seen {
		c.possibleHits.Add(1)
		observer.IncIdempotencyCheck("possible_hit")
		return true
	}
	c.misses.Add(1)
	observer.IncIdempotencyCheck("miss")
	return false
}

// Add records a stored key.
func (c *IdempotencyCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.AddString(key)
}

// RecordFalsePositive tracks a possible hit the database did not confirm.
func (c *IdempotencyCache) RecordFalsePositive() {
	c.falsePositives.Add(1)
	observer.IncIdempotencyCheck("false_positive")
}

// Stats returns cache counters.
func (c *IdempotencyCache) Stats() IdempotencyCacheStats {
	c.mu.RLock()
	size := c.filter.ApproximatedSize()
	c.mu.RUnlock()

	return IdempotencyCacheStats{
		Misses:         c.misses.Load(),
		PossibleHits:   c.possibleHits.Load(),
		FalsePositives: c.falsePositives.Load(),
		ApproxSize:     uint64(size),
	}
}

type IdempotencyCacheStats struct {
	Misses         int64
	PossibleHits   int64
	FalsePositives int64
	ApproxSize     uint64
}
