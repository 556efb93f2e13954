package hnsw

import "github.com/google/uuid"

// SearchContext is a short-lived, per-operation cache over a NodeStore. It
// collapses repeated store reads during graph traversal and is never shared
// across operations, to avoid staleness under concurrent writes.
type SearchContext struct {
	store NodeStore
	cache map[uuid.UUID]*Node
}

// NewSearchContext wraps store with a fresh, empty cache.
func NewSearchContext(store NodeStore) *SearchContext {
	return &SearchContext{store: store, cache: make(map[uuid.UUID]*Node)}
}

// Get returns the node for id, reading through to the store on a cache miss.
func (c *SearchContext) Get(id uuid.UUID) (*Node, error) {
	if n, ok := c.cache[id]; ok {
		return n, nil
	}
	n, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	c.cache[id] = n
	return n, nil
}

// TryGet returns the node for id and whether it was found, caching on
// success.
func (c *SearchContext) TryGet(id uuid.UUID) (*Node, bool) {
	if n, ok := c.cache[id]; ok {
		return n, true
	}
	n, ok := c.store.TryGet(id)
	if ok {
		c.cache[id] = n
	}
	return n, ok
}

// GetMany batch-reads the subset of ids missing from the cache in one store
// call, then returns the full requested mapping (present ids only).
func (c *SearchContext) GetMany(ids []uuid.UUID) map[uuid.UUID]*Node {
	c.Prefetch(ids)
	out := make(map[uuid.UUID]*Node, len(ids))
	for _, id := range ids {
		if n, ok := c.cache[id]; ok {
			out[id] = n
		}
	}
	return out
}

// Prefetch ensures every id in ids is in the cache (if present in the
// store), issuing a single batch store read for whatever is missing.
func (c *SearchContext) Prefetch(ids []uuid.UUID) {
	missing := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.cache[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	for id, n := range c.store.GetMany(missing) {
		c.cache[id] = n
	}
}
