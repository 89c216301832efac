package embedding

import (
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is an in-process cache of text embeddings keyed by the embedded text.
// The same query text is embedded once while it stays resident.
type Cache struct {
	c      *ristretto.Cache[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache bounded to roughly maxItems embeddings.
// maxItems <= 0 disables caching and returns nil; a nil *Cache is valid.
func NewCache(maxItems int64) (*Cache, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxItems * 10, // ~10x expected items
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns a cached embedding.
func (c *Cache) Get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.c.Get(text)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v, true
}

// Set stores an embedding with unit cost. Admission is asynchronous.
func (c *Cache) Set(text string, vector []float32) {
	if c == nil {
		return
	}
	c.c.Set(text, vector, 1)
}

// Wait blocks until pending Sets have been applied.
func (c *Cache) Wait() {
	if c == nil {
		return
	}
	c.c.Wait()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}
