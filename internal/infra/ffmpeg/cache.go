package ffmpeg

import (
	"container/list"
	"image"
	"sync"
)

// frameCache is a fixed-size LRU keyed by frame index. A size of zero
// disables caching.
type frameCache struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[int]*list.Element
}

type cacheEntry struct {
	idx int
	img image.Image
}

func newFrameCache(size int) *frameCache {
	return &frameCache{
		size:    size,
		order:   list.New(),
		entries: make(map[int]*list.Element),
	}
}

func (c *frameCache) get(idx int) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[idx]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).img, true
}

func (c *frameCache) put(idx int, img image.Image) {
	if c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[idx]; ok {
		el.Value.(*cacheEntry).img = img
		c.order.MoveToFront(el)
		return
	}
	c.entries[idx] = c.order.PushFront(&cacheEntry{idx: idx, img: img})
	if c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).idx)
	}
}

func (c *frameCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[int]*list.Element)
}
