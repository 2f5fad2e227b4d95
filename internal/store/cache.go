package store

import (
	"container/list"
	"sync"

	"github.com/opencontainers/go-digest"
)

// lruCache keeps recently read small blobs in memory. Content is immutable,
// so there is no invalidation beyond eviction and GC removal.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	items   map[digest.Digest]*list.Element
}

type lruItem struct {
	key  digest.Digest
	data []byte
}

func newLRUCache(maxSize int) *lruCache {
	return &lruCache{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[digest.Digest]*list.Element),
	}
}

func (c *lruCache) get(key digest.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruItem).data, true
}

func (c *lruCache) add(key digest.Digest, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	for len(c.items) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruItem).key)
	}
	c.items[key] = c.order.PushFront(&lruItem{key: key, data: data})
}

func (c *lruCache) remove(key digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}
