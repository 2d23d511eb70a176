// Package cache implements the two-tier bundle cache: a sharded primary map
// coalescing lookups of the same id, a size-bounded secondary tier holding
// strong references with FIFO eviction and approximate LRU, and a
// fixed-capacity negative cache remembering confirmed-missing ids.
//
// Go has no weak references, so the primary tier holds plain references and
// the secondary's byte budget is the effective memory bound: when the
// secondary evicts a bundle, the primary entry is dropped with it; callers
// still holding the bundle keep it alive on their own.
package cache

import (
	"container/list"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// AccessListener is notified every accessInterval cache accesses so an
// adaptive cache manager can rebalance sizes. It must not block.
type AccessListener func(accessCount uint64)

const accessInterval = 128

// negativeCapacity bounds the confirmed-missing id set.
const negativeCapacity = 1024

type segment struct {
	mu      sync.Mutex
	bundles map[types.NodeID]*bundle.Bundle
}

type secondaryEntry struct {
	id   types.NodeID
	b    *bundle.Bundle
	size int
}

// BundleCache is the process-wide bundle cache for one workspace.
type BundleCache struct {
	segments []*segment

	// secondary tier: insertion-ordered list, evicted front-first; a
	// retrieve moves the entry a step toward the back (approximate LRU).
	secMu    sync.Mutex
	secList  *list.List
	secIndex map[types.NodeID]*list.Element
	secBytes int
	secLimit int

	// negative cache of recently-confirmed missing ids.
	negMu    sync.Mutex
	negList  *list.List
	negIndex map[types.NodeID]*list.Element

	accesses uint64
	listener atomic.Value // AccessListener
}

// NewBundleCache builds a cache whose secondary tier is bounded to
// sizeLimit bytes.
func NewBundleCache(sizeLimit int) *BundleCache {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	segs := make([]*segment, n)
	for i := range segs {
		segs[i] = &segment{bundles: make(map[types.NodeID]*bundle.Bundle)}
	}
	return &BundleCache{
		segments: segs,
		secList:  list.New(),
		secIndex: make(map[types.NodeID]*list.Element),
		secLimit: sizeLimit,
		negList:  list.New(),
		negIndex: make(map[types.NodeID]*list.Element),
	}
}

// SetAccessListener installs the broadcast hook invoked every
// accessInterval accesses.
func (c *BundleCache) SetAccessListener(l AccessListener) {
	c.listener.Store(l)
}

func (c *BundleCache) segmentFor(id types.NodeID) *segment {
	return c.segments[int((id.Hash()>>1)%uint32(len(c.segments)))]
}

func (c *BundleCache) recordAccess() {
	n := atomic.AddUint64(&c.accesses, 1)
	if n%accessInterval != 0 {
		return
	}
	if l, ok := c.listener.Load().(AccessListener); ok && l != nil {
		l(n)
	}
}

// Retrieve returns the cached bundle for id, updating the secondary tier's
// access stats.
func (c *BundleCache) Retrieve(id types.NodeID) (*bundle.Bundle, bool) {
	c.recordAccess()
	seg := c.segmentFor(id)
	seg.mu.Lock()
	b, ok := seg.bundles[id]
	seg.mu.Unlock()
	if !ok {
		metrics.BundleCacheMisses.Inc()
		return nil, false
	}

	c.secMu.Lock()
	if el, ok := c.secIndex[id]; ok && el.Next() != nil {
		c.secList.MoveAfter(el, el.Next())
	}
	c.secMu.Unlock()

	metrics.BundleCacheHits.Inc()
	return b, true
}

// Cache inserts a bundle into both tiers and clears its negative-cache
// entry. Overwriting a same-id entry with a different instance logs a
// warning; it usually indicates a racing load.
func (c *BundleCache) Cache(b *bundle.Bundle) {
	id := b.ID
	seg := c.segmentFor(id)
	seg.mu.Lock()
	if old, ok := seg.bundles[id]; ok && old != b {
		logger := log.WithComponent("bundle-cache")
		logger.Warn().
			Str("id", id.String()).
			Msg("overwriting cached bundle with different instance")
	}
	seg.bundles[id] = b
	seg.mu.Unlock()

	c.dropNegative(id)

	size := b.MemoryFootprint()
	c.secMu.Lock()
	if el, ok := c.secIndex[id]; ok {
		old := el.Value.(*secondaryEntry)
		c.secBytes -= old.size
		c.secList.Remove(el)
		delete(c.secIndex, id)
	}
	c.secIndex[id] = c.secList.PushBack(&secondaryEntry{id: id, b: b, size: size})
	c.secBytes += size
	c.shrinkLocked()
	c.secMu.Unlock()

	metrics.BundleCacheBytes.Set(float64(c.secBytes))
}

// shrinkLocked evicts front-first until the secondary fits its limit. The
// primary entry goes with it; callers still holding the bundle keep it
// alive on their own.
func (c *BundleCache) shrinkLocked() {
	for c.secBytes > c.secLimit && c.secList.Len() > 0 {
		el := c.secList.Front()
		entry := el.Value.(*secondaryEntry)
		c.secList.Remove(el)
		delete(c.secIndex, entry.id)
		c.secBytes -= entry.size

		seg := c.segmentFor(entry.id)
		seg.mu.Lock()
		if cur, ok := seg.bundles[entry.id]; ok && cur == entry.b {
			delete(seg.bundles, entry.id)
		}
		seg.mu.Unlock()
		metrics.BundleCacheEvictions.Inc()
	}
}

// Evict removes id from both tiers.
func (c *BundleCache) Evict(id types.NodeID) {
	seg := c.segmentFor(id)
	seg.mu.Lock()
	delete(seg.bundles, id)
	seg.mu.Unlock()

	c.secMu.Lock()
	if el, ok := c.secIndex[id]; ok {
		entry := el.Value.(*secondaryEntry)
		c.secList.Remove(el)
		delete(c.secIndex, id)
		c.secBytes -= entry.size
	}
	c.secMu.Unlock()
}

// EvictAll clears both tiers and the negative cache.
func (c *BundleCache) EvictAll() {
	for _, seg := range c.segments {
		seg.mu.Lock()
		seg.bundles = make(map[types.NodeID]*bundle.Bundle)
		seg.mu.Unlock()
	}
	c.secMu.Lock()
	c.secList.Init()
	c.secIndex = make(map[types.NodeID]*list.Element)
	c.secBytes = 0
	c.secMu.Unlock()

	c.negMu.Lock()
	c.negList.Init()
	c.negIndex = make(map[types.NodeID]*list.Element)
	c.negMu.Unlock()
}

// SetSizeLimit retunes the secondary tier at runtime; a smaller limit
// shrinks immediately, scanning entries in insertion order.
func (c *BundleCache) SetSizeLimit(limit int) {
	c.secMu.Lock()
	c.secLimit = limit
	c.shrinkLocked()
	c.secMu.Unlock()
}

// SizeLimit returns the secondary tier's current byte budget.
func (c *BundleCache) SizeLimit() int {
	c.secMu.Lock()
	defer c.secMu.Unlock()
	return c.secLimit
}

// Bytes returns the secondary tier's current resident size.
func (c *BundleCache) Bytes() int {
	c.secMu.Lock()
	defer c.secMu.Unlock()
	return c.secBytes
}

// CacheMissing records that id was confirmed absent from the store.
func (c *BundleCache) CacheMissing(id types.NodeID) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if _, ok := c.negIndex[id]; ok {
		return
	}
	c.negIndex[id] = c.negList.PushBack(id)
	for c.negList.Len() > negativeCapacity {
		el := c.negList.Front()
		c.negList.Remove(el)
		delete(c.negIndex, el.Value.(types.NodeID))
	}
}

// IsMissing reports whether id was recently confirmed absent.
func (c *BundleCache) IsMissing(id types.NodeID) bool {
	c.recordAccess()
	c.negMu.Lock()
	defer c.negMu.Unlock()
	_, ok := c.negIndex[id]
	return ok
}

func (c *BundleCache) dropNegative(id types.NodeID) {
	c.negMu.Lock()
	if el, ok := c.negIndex[id]; ok {
		c.negList.Remove(el)
		delete(c.negIndex, id)
	}
	c.negMu.Unlock()
}

// ExternalInvalidate applies a cluster update: modified and deleted node
// ids are evicted, added ids lose their negative-cache entry.
func (c *BundleCache) ExternalInvalidate(added, modified, deleted []types.NodeID) {
	for _, id := range added {
		c.dropNegative(id)
	}
	for _, id := range modified {
		c.Evict(id)
	}
	for _, id := range deleted {
		c.Evict(id)
		c.dropNegative(id)
	}
}
