package storage

import (
	lru "github.com/hashicorp/golang-lru"
)

// PageCache holds decoded pages keyed by their position. Cached values are
// immutable so eviction never affects correctness.
type PageCache struct {
	cache *lru.Cache
}

// NewPageCache creates a cache of up to size pages. A size of zero
// disables caching.
func NewPageCache(size int) (*PageCache, error) {
	if size <= 0 {
		return &PageCache{}, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &PageCache{cache: c}, nil
}

// Get returns the cached page at pos.
func (c *PageCache) Get(pos Pos) (interface{}, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	return c.cache.Get(pos)
}

// Add caches page at pos.
func (c *PageCache) Add(pos Pos, page interface{}) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Add(pos, page)
}

// RemoveChunk drops every cached page of chunk id.
func (c *PageCache) RemoveChunk(id uint32) {
	if c == nil || c.cache == nil {
		return
	}
	for _, k := range c.cache.Keys() {
		if pos, ok := k.(Pos); ok && pos.ChunkID() == id {
			c.cache.Remove(k)
		}
	}
}

// Len returns the number of cached pages.
func (c *PageCache) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// Purge empties the cache.
func (c *PageCache) Purge() {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Purge()
}
