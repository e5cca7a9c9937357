package residue

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// clientCache memoizes clientID -> *Client lookups across drain rounds for
// as long as the registry is unchanged (spec.md §9 Design Notes: a bounded LRU keyed by id,
// rather than a raw pointer, avoids the pointer-stability hazard called out
// for the original C++ implementation's cached "currentClient" pointer —
// the registry can mutate between rounds, so the cache is invalidated
// whenever ClientRegistry.Generation() advances).
type clientCache struct {
	mu         sync.Mutex
	cache      *lru.Cache[string, *Client]
	generation uint64
}

// newClientCache builds a cache holding up to size resolved clients.
func newClientCache(size int) *clientCache {
	c, _ := lru.New[string, *Client](size)
	return &clientCache{cache: c}
}

// Resolve returns the cached client for id if the registry has not mutated
// since it was cached; otherwise (or on a miss) it looks the client up in
// registry, caches the result, and returns it.
func (c *clientCache) Resolve(registry *ClientRegistry, id string) *Client {
	if id == "" {
		return nil
	}
	gen := registry.Generation()

	c.mu.Lock()
	if gen != c.generation {
		c.cache.Purge()
		c.generation = gen
	}
	if client, ok := c.cache.Get(id); ok {
		c.mu.Unlock()
		return client
	}
	c.mu.Unlock()

	client := registry.Find(id)
	if client == nil {
		return nil
	}

	c.mu.Lock()
	if gen == c.generation {
		c.cache.Add(id, client)
	}
	c.mu.Unlock()
	return client
}
