package sqlitestore

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/liliang-cn/hnswgraph/hnsw"
)

// nodeCache is a small wrapper around a bounded hashicorp/golang-lru cache
// of decoded nodes, fronting Store's reads. It is distinct from and sits
// beneath the engine's own per-query SearchContext cache: this cache is
// long-lived and shared across operations, trading a bounded amount of
// staleness risk on concurrent external writers for avoiding repeated BLOB
// decodes of hot nodes.
type nodeCache struct {
	inner *lru.Cache[uuid.UUID, *hnsw.Node]
}

func newNodeCache(size int) (*nodeCache, error) {
	c, err := lru.New[uuid.UUID, *hnsw.Node](size)
	if err != nil {
		return nil, err
	}
	return &nodeCache{inner: c}, nil
}

func (c *nodeCache) get(id uuid.UUID) (*hnsw.Node, bool) {
	if c == nil {
		return nil, false
	}
	return c.inner.Get(id)
}

func (c *nodeCache) put(id uuid.UUID, n *hnsw.Node) {
	if c == nil {
		return
	}
	c.inner.Add(id, n)
}

func (c *nodeCache) evict(id uuid.UUID) {
	if c == nil {
		return
	}
	c.inner.Remove(id)
}

func (c *nodeCache) purge() {
	if c == nil {
		return
	}
	c.inner.Purge()
}
