package viewer

import "sync"

// Cache holds per-frame mask state on the client. An entry's presence means
// the frame's state is known; a nil mask is a known mask-free frame, which
// counts toward the contiguous prefetched range just like a real mask.
//
// Two mechanisms guard against showing stale data:
//
//   - The intended frame is the index the user currently wants displayed.
//     A fetch that resolves after the user moved on fails the intended
//     check and its result is never displayed.
//   - The epoch counts invalidations. Every edit bumps it, so a fetch that
//     started before the edit carries a stale epoch and its result is
//     dropped instead of resurrecting the pre-edit mask.
type Cache struct {
	mu       sync.Mutex
	entries  map[int]*Mask
	intended int
	epoch    uint64
}

func NewCache() *Cache {
	return &Cache{
		entries:  make(map[int]*Mask),
		intended: -1,
	}
}

// SetIntended marks idx as the frame the user wants displayed and returns
// the current epoch for the fetch that will resolve it.
func (c *Cache) SetIntended(idx int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intended = idx
	return c.epoch
}

// Intended returns the currently intended frame, -1 before the first seek.
func (c *Cache) Intended() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intended
}

// Epoch returns the current invalidation epoch.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Put stores the frame's state if epoch is still current. A false return
// means an invalidation happened after the fetch started and the result
// must be discarded.
func (c *Cache) Put(idx int, mask *Mask, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.entries[idx] = mask
	return true
}

// PutBatch stores a batch fetched for [start, start+len(masks)). Nil slots
// are recorded as known mask-free frames.
func (c *Cache) PutBatch(start int, masks []*Mask, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	for i, mask := range masks {
		c.entries[start+i] = mask
	}
	return true
}

// Get returns the frame's mask and whether its state is known. A (nil, true)
// return is a known mask-free frame.
func (c *Cache) Get(idx int) (*Mask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mask, ok := c.entries[idx]
	return mask, ok
}

// ContiguousAhead counts the known frames starting at from: the distance to
// the prefetch watermark.
func (c *Cache) ContiguousAhead(from int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for {
		if _, ok := c.entries[from+n]; !ok {
			return n
		}
		n++
	}
}

// Invalidate drops one frame's entry and bumps the epoch so in-flight
// fetches cannot write the old state back.
func (c *Cache) Invalidate(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, idx)
	c.epoch++
}

// InvalidateAll clears the cache and bumps the epoch.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]*Mask)
	c.epoch++
}

// Len reports how many frames have known state.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
