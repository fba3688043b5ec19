package bfile

import (
	"github.com/pkg/errors"
	"sort"
	"sync"
)

const (
	maxRefCount      = 10000
	minCacheSize     = 4
	DefaultCacheSize = 64
)

// BufferStats describes the occupation and efficiency of a page cache.
type BufferStats struct {
	Buffers int
	Used    int
	Hits    uint64
	Fails   uint64
}

// HitRatio is hits / (hits + fails), or 0 without any lookups.
func (s BufferStats) HitRatio() float64 {
	if s.Hits+s.Fails == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Fails)
}

// pageCache is a clock cache of decoded data pages. Pages with a positive
// reference count survive one sweep per count. Dirty victims are handed to
// the sync function before they are dropped.
type pageCache struct {
	mu    sync.Mutex
	size  int
	slots []*dataPage
	pages map[uint32]int
	hand  int
	hits  uint64
	fails uint64

	sync func(*dataPage) error
}

func newPageCache(size int, sync func(*dataPage) error) *pageCache {
	if size < minCacheSize {
		size = minCacheSize
	}
	return &pageCache{
		size:  size,
		slots: make([]*dataPage, 0, size),
		pages: make(map[uint32]int, size),
		sync:  sync,
	}
}

func (c *pageCache) get(num uint32) *dataPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.pages[num]; ok {
		c.hits++
		dp := c.slots[i]
		if dp.refCount < maxRefCount {
			dp.refCount++
		}
		return dp
	}
	c.fails++
	return nil
}

// add inserts dp, or raises its reference count by boost if already cached.
func (c *pageCache) add(dp *dataPage, boost int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.pages[dp.num]; ok {
		old := c.slots[i]
		if old != dp {
			// a newer copy of the same page replaces the cached one
			c.slots[i] = dp
			dp.refCount = old.refCount
		}
		dp.refCount += boost
		if dp.refCount > maxRefCount {
			dp.refCount = maxRefCount
		}
		return nil
	}
	dp.refCount = boost
	if len(c.slots) < c.size {
		c.slots = append(c.slots, dp)
		c.pages[dp.num] = len(c.slots) - 1
		return nil
	}
	i, err := c.evict(dp.num)
	if err != nil {
		return err
	}
	c.slots[i] = dp
	c.pages[dp.num] = i
	return nil
}

// evict sweeps the clock hand until it finds a slot to reuse. The page about
// to be inserted and its successor are never chosen.
func (c *pageCache) evict(num uint32) (int, error) {
	for {
		if c.hand >= len(c.slots) {
			c.hand = 0
		}
		i := c.hand
		c.hand++
		victim := c.slots[i]
		if victim == nil {
			return i, nil
		}
		if victim.num == num || victim.num == num+1 {
			continue
		}
		if victim.refCount > 0 {
			victim.refCount--
			continue
		}
		if victim.dirty {
			if err := c.sync(victim); err != nil {
				return -1, errors.Wrapf(err, "failed to evict page %d", victim.num)
			}
		}
		delete(c.pages, victim.num)
		c.slots[i] = nil
		return i, nil
	}
}

// remove drops dp without writing it.
func (c *pageCache) remove(dp *dataPage) {
	if dp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.pages[dp.num]; ok {
		c.slots[i] = nil
		delete(c.pages, dp.num)
	}
}

// flush writes all dirty pages in page order.
func (c *pageCache) flush() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dirty []*dataPage
	for _, dp := range c.slots {
		if dp != nil && dp.dirty {
			dirty = append(dirty, dp)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].num < dirty[j].num })
	for _, dp := range dirty {
		if err := c.sync(dp); err != nil {
			return false, err
		}
	}
	return len(dirty) > 0, nil
}

func (c *pageCache) stats() BufferStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BufferStats{
		Buffers: c.size,
		Used:    len(c.pages),
		Hits:    c.hits,
		Fails:   c.fails,
	}
}
