// Package cache implements the node cache: an in-memory, partitioned LRU
// pool of B-tree pages sitting above the page store, with per-page
// latching and a dirty list feeding the checkpoint coordinator's flush
// pipeline.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/tuplgo/tupl/internal/hashutil"
	"github.com/tuplgo/tupl/internal/page"
)

// Loader fetches a page from the backing store on a cache miss.
type Loader func(id page.ID) ([]byte, error)

// Flusher writes a dirty page back to the backing store.
type Flusher func(id page.ID, buf []byte) error

// entry is one resident page. latch is the Node's reader/writer latch:
// Fetch acquires it before returning the buffer and the matching Unpin
// releases it, so the whole fetch-mutate-unpin window is serialized per
// page even when two callers hold locks on different keys that happen
// to land in the same leaf. gen is the dirty-state tag: 0 means clean,
// otherwise it names the checkpoint generation ("A" or "B") the page's
// unflushed write belongs to.
type entry struct {
	id    page.ID
	buf   []byte
	latch sync.Mutex
	gen   uint32
	pins  int
	elem  *list.Element // position in its partition's LRU list
}

// partition is one independent shard of the cache, each with its own
// mutex so unrelated pages never contend on the same lock.
type partition struct {
	mu      sync.Mutex
	entries map[page.ID]*entry
	lru     *list.List // front = most recently used
	load    Loader
	flush   Flusher
	maxSize int
}

// Cache is a fixed-capacity, partitioned LRU pool of page buffers.
type Cache struct {
	parts    []*partition
	nparts   uint32
	pageSize uint32

	// gen is the dirty-state tag newly-dirtied pages are stamped with.
	// The checkpoint coordinator flips it between 1 and 2 while holding
	// the page store's commit lock, then flushes every entry still
	// tagged with the old value.
	gen uint32
}

const (
	genA uint32 = 1
	genB uint32 = 2
)

// Config configures a Cache.
type Config struct {
	Partitions int // number of independent shards, default 8
	Capacity   int // total resident pages across all partitions
	PageSize   uint32
	Load       Loader
	Flush      Flusher
}

// New builds a Cache per cfg.
func New(cfg Config) *Cache {
	n := cfg.Partitions
	if n <= 0 {
		n = 8
	}
	perPart := cfg.Capacity / n
	if perPart < 1 {
		perPart = 1
	}
	c := &Cache{nparts: uint32(n), pageSize: cfg.PageSize, gen: genA}
	for i := 0; i < n; i++ {
		c.parts = append(c.parts, &partition{
			entries: make(map[page.ID]*entry),
			lru:     list.New(),
			load:    cfg.Load,
			flush:   cfg.Flush,
			maxSize: perPart,
		})
	}
	return c
}

// partitionFor hashes a page ID to a shard with the engine's shared
// Wang-Jenkins hash, the same one the lock manager uses for its
// buckets. Consecutive page IDs are scattered across partitions by the
// hash rather than striped by modulo, spreading hot sequential scans
// across shards.
func (c *Cache) partitionFor(id page.ID) *partition {
	return c.parts[uint32(hashutil.HashUint64(uint64(id)))%c.nparts]
}

// Fetch returns the buffer for id, pinning it in the cache and acquiring
// its Node latch. The caller must call Unpin when done, which releases
// the latch — holding it across the entire fetch-mutate-unpin window is
// what keeps two concurrent callers touching the same page (even under
// different row locks) from racing on its buffer. On miss, the
// partition's Loader is invoked while its lock is held, matching the
// teacher's single-flight-per-page pin/load/unpin discipline.
func (c *Cache) Fetch(id page.ID) ([]byte, error) {
	p := c.partitionFor(id)
	p.mu.Lock()

	if e, ok := p.entries[id]; ok {
		e.pins++
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		e.latch.Lock()
		return e.buf, nil
	}

	buf, err := p.load(id)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	e := &entry{id: id, buf: buf, pins: 1}
	e.elem = p.lru.PushFront(e)
	p.entries[id] = e
	p.evictLocked()
	p.mu.Unlock()
	e.latch.Lock()
	return buf, nil
}

// Unpin releases one pin on id and its Node latch. If markDirty is true
// the page is stamped with the cache's current dirty generation (unless
// it already carries an older, unflushed one).
func (c *Cache) Unpin(id page.ID, markDirty bool) {
	p := c.partitionFor(id)
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.pins > 0 {
		e.pins--
	}
	if markDirty && e.gen == 0 {
		e.gen = atomic.LoadUint32(&c.gen)
	}
	p.mu.Unlock()
	e.latch.Unlock()
}

// evictLocked drops the least-recently-used unpinned, clean page once the
// partition is over capacity. Dirty pages are never silently dropped —
// they must be flushed by the checkpoint coordinator first.
func (p *partition) evictLocked() {
	for len(p.entries) > p.maxSize {
		victim := p.lru.Back()
		for victim != nil {
			e := victim.Value.(*entry)
			if e.pins == 0 && e.gen == 0 {
				break
			}
			victim = victim.Prev()
		}
		if victim == nil {
			return // everything resident is pinned or dirty; over capacity is tolerated
		}
		e := victim.Value.(*entry)
		p.lru.Remove(victim)
		delete(p.entries, e.id)
	}
}

// DirtyIDs returns a snapshot of every currently dirty page ID, for
// diagnostics.
func (c *Cache) DirtyIDs() []page.ID {
	var ids []page.ID
	for _, p := range c.parts {
		p.mu.Lock()
		for id, e := range p.entries {
			if e.gen != 0 {
				ids = append(ids, id)
			}
		}
		p.mu.Unlock()
	}
	return ids
}

// SwapGeneration flips the cache's current dirty-state tag (A to B or
// vice versa) and returns the value writers had been stamping new
// dirties with up to this call — the generation the checkpoint
// coordinator must now flush. Callers must hold the page store's
// exclusive commit lock across this call and the redo-position capture
// that brackets it, so no write can complete a dirty-mark whose commit
// the checkpoint does not account for on either side of the swap.
func (c *Cache) SwapGeneration() uint32 {
	old := atomic.LoadUint32(&c.gen)
	next := genA
	if old == genA {
		next = genB
	}
	atomic.StoreUint32(&c.gen, next)
	return old
}

// FlushGeneration writes out every page still tagged with gen via the
// partition's Flusher and clears its tag on success. It returns the
// number of pages flushed and the first error encountered, if any. Each
// page is flushed while holding its Node latch, so a concurrent
// fetch-mutate-unpin on the same page can never race the flush.
func (c *Cache) FlushGeneration(gen uint32) (int, error) {
	var flushed int
	for _, p := range c.parts {
		p.mu.Lock()
		var toFlush []*entry
		for _, e := range p.entries {
			if e.gen == gen {
				toFlush = append(toFlush, e)
			}
		}
		p.mu.Unlock()

		for _, e := range toFlush {
			e.latch.Lock()
			buf := e.buf
			err := p.flush(e.id, buf)
			e.latch.Unlock()
			if err != nil {
				return flushed, err
			}
			p.mu.Lock()
			if e.gen == gen {
				e.gen = 0
			}
			p.mu.Unlock()
			flushed++
		}
	}
	return flushed, nil
}

// Invalidate drops id from the cache regardless of dirty state, used
// after a page is freed back to the store.
func (c *Cache) Invalidate(id page.ID) {
	p := c.partitionFor(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		p.lru.Remove(e.elem)
		delete(p.entries, id)
	}
}

// Resident reports how many pages are currently cached, for diagnostics.
func (c *Cache) Resident() int {
	n := 0
	for _, p := range c.parts {
		p.mu.Lock()
		n += len(p.entries)
		p.mu.Unlock()
	}
	return n
}
