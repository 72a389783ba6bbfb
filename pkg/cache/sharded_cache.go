package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// Quote is the latest known price of a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Digit  int             `json:"digit"`
	At     time.Time       `json:"at"`
}

// ShardedQuoteCache keeps the latest quote per symbol, sharded by symbol hash.
type ShardedQuoteCache struct {
	shards [numShards]*quoteShard
	now    func() time.Time
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

// NewShardedQuoteCache creates a new sharded cache.
func NewShardedQuoteCache() *ShardedQuoteCache {
	c := &ShardedQuoteCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{
			items: make(map[string]Quote),
		}
	}
	return c
}

func (c *ShardedQuoteCache) getShard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores q unless a newer quote for the symbol is already cached.
func (c *ShardedQuoteCache) Set(q Quote) {
	shard := c.getShard(q.Symbol)
	shard.mu.Lock()
	if cur, ok := shard.items[q.Symbol]; !ok || !q.At.Before(cur.At) {
		shard.items[q.Symbol] = q
	}
	shard.mu.Unlock()
}

// Get retrieves the quote for a symbol.
func (c *ShardedQuoteCache) Get(symbol string) (Quote, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	q, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return q, ok
}

// GetWithAge retrieves the quote and its age.
func (c *ShardedQuoteCache) GetWithAge(symbol string) (Quote, time.Duration, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return Quote{}, 0, false
	}
	return q, c.now().Sub(q.At), true
}

// Delete removes a symbol from the cache.
func (c *ShardedQuoteCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedQuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes quotes older than maxAge.
func (c *ShardedQuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, q := range shard.items {
			if q.At.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// All returns every cached quote.
func (c *ShardedQuoteCache) All() map[string]Quote {
	result := make(map[string]Quote)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, q := range shard.items {
			result[sym] = q
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems int           `json:"total_items"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedQuoteCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for _, shard := range c.shards {
		shard.mu.RLock()
		stats.TotalItems += len(shard.items)
		for _, q := range shard.items {
			if oldest.IsZero() || q.At.Before(oldest) {
				oldest = q.At
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
