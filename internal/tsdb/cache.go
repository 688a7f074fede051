// internal/tsdb/cache.go
package tsdb

import (
    "fmt"
    "time"

    "github.com/dgraph-io/ristretto"
)

const (
    cacheNumCounters = 1e6
    cacheBufferItems = 64
    pointCost        = 24
)

// QueryCache holds range-query results. Only ranges that ended before the
// newest flushed data are cached, so entries never hide fresh samples for
// longer than the TTL.
type QueryCache struct {
    cache *ristretto.Cache
    ttl   time.Duration
}

func NewQueryCache(maxCost int64, ttl time.Duration) (*QueryCache, error) {
    cache, err := ristretto.NewCache(&ristretto.Config{
        NumCounters: cacheNumCounters,
        MaxCost:     maxCost,
        BufferItems: cacheBufferItems,
    })
    if err != nil {
        return nil, fmt.Errorf("failed to initialize query cache: %w", err)
    }
    return &QueryCache{cache: cache, ttl: ttl}, nil
}

func cacheKey(q Query) string {
    return fmt.Sprintf("%s|%s|%d|%d|%d|%s", q.DeviceID, q.Metric, q.From.UnixNano(), q.To.UnixNano(), int64(q.Step), q.Aggregate)
}

func (c *QueryCache) Get(q Query) ([]Point, bool) {
    if c == nil {
        return nil, false
    }
    val, found := c.cache.Get(cacheKey(q))
    if !found {
        return nil, false
    }
    points, ok := val.([]Point)
    return points, ok
}

func (c *QueryCache) Set(q Query, points []Point) {
    if c == nil {
        return
    }
    c.cache.SetWithTTL(cacheKey(q), points, int64(len(points)*pointCost+1), c.ttl)
}

// Wait blocks until buffered writes are applied.
func (c *QueryCache) Wait() {
    if c == nil {
        return
    }
    c.cache.Wait()
}

func (c *QueryCache) Clear() {
    if c == nil {
        return
    }
    c.cache.Clear()
}

func (c *QueryCache) Close() {
    if c == nil {
        return
    }
    c.cache.Close()
}
