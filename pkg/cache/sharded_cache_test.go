package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quote(symbol string, price string, at time.Time) Quote {
	return Quote{Symbol: symbol, Price: decimal.RequireFromString(price), At: at}
}

func TestSetKeepsNewest(t *testing.T) {
	c := NewShardedQuoteCache()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.Set(quote("R_100", "100.5", t0))
	c.Set(quote("R_100", "99.1", t0.Add(-time.Second)))

	q, ok := c.Get("R_100")
	require.True(t, ok)
	assert.Equal(t, "100.5", q.Price.String())

	c.Set(quote("R_100", "101.2", t0.Add(time.Second)))
	q, _ = c.Get("R_100")
	assert.Equal(t, "101.2", q.Price.String())
}

func TestAgeAndCleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewShardedQuoteCache()
	c.now = func() time.Time { return now }

	c.Set(quote("R_10", "1", now.Add(-time.Minute)))
	c.Set(quote("R_25", "2", now.Add(-time.Second)))

	_, age, ok := c.GetWithAge("R_10")
	require.True(t, ok)
	assert.Equal(t, time.Minute, age)
	assert.Equal(t, time.Minute, c.Stats().OldestAge)

	assert.Equal(t, 1, c.Cleanup(30*time.Second))
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get("R_10")
	assert.False(t, ok)

	c.Delete("R_25")
	assert.Empty(t, c.All())
}

func TestConcurrentWriters(t *testing.T) {
	c := NewShardedQuoteCache()
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(quote(fmt.Sprintf("S%d", j%20), "1", now.Add(time.Duration(j))))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}
