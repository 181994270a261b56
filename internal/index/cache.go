package index

import (
	"math"
	"sync"
	"time"

	"github.com/atlas-mcp/taskengine/internal/types"
)

// cacheEntry tracks the Primary index's per-path LRU bookkeeping needed for
// the adaptive TTL formula (spec §4.5).
type cacheEntry struct {
	mu           sync.Mutex
	task         *types.Task
	accessCount  int64
	lastAccessed time.Time
	insertedAt   time.Time
}

func (e *cacheEntry) touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessCount++
	e.lastAccessed = time.Now()
}

// CacheConfig configures the Primary index cache's TTL behavior.
type CacheConfig struct {
	BaseTTL time.Duration
	MaxTTL  time.Duration
}

// DefaultCacheConfig matches spec.md §4.5's default base TTL of 15 minutes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{BaseTTL: 15 * time.Minute, MaxTTL: 2 * time.Hour}
}

// EffectiveTTL implements spec §4.5's adaptive TTL formula:
//
//	effective = min(baseTTL * log2(accessCount+1) * (1 + recencyBonus), maxTTL)
//	recencyBonus = max(0, 1 - (now - lastAccessed) / maxTTL)
func EffectiveTTL(cfg CacheConfig, accessCount int64, lastAccessed time.Time, now time.Time) time.Duration {
	elapsed := now.Sub(lastAccessed)
	recencyBonus := 1 - float64(elapsed)/float64(cfg.MaxTTL)
	if recencyBonus < 0 {
		recencyBonus = 0
	}
	scale := math.Log2(float64(accessCount) + 1)
	effective := time.Duration(float64(cfg.BaseTTL) * scale * (1 + recencyBonus))
	if effective > cfg.MaxTTL {
		return cfg.MaxTTL
	}
	if effective < 0 {
		return 0
	}
	return effective
}

// Put inserts or refreshes a Primary index cache entry for a committed task.
func (s *Set) Put(task *types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	entry := &cacheEntry{task: task.Clone(), accessCount: 1, lastAccessed: now, insertedAt: now}
	s.cache.Add(task.Path, entry)
}

// Evict removes path from the cache, used before a delete becomes visible
// in the indices (spec §4.5: "cache entry is evicted before the index
// mutation is visible").
func (s *Set) Evict(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(path)
}

// CacheLen reports the current number of cached entries.
func (s *Set) CacheLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Len()
}

// ClearCache empties the Primary index cache, used when the coordinator
// emits a MEMORY_PRESSURE event (spec §4.5).
func (s *Set) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}
