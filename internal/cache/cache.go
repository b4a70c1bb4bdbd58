// Package cache implements the size- and time-bounded LRU caches used
// throughout the runtime.
//
// A Cache is an explicitly locked container: callers hold the cache lock
// across lookups and mutations, which lets read-modify-write sequences and
// the concurrent-build protocol (WaitCreateEntry / SetValue / Broadcast)
// compose without additional locking. An entry whose value is nil is "under
// construction" by some other goroutine; such entries are invisible to Find
// and to iteration, and are never pruned.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Deleter releases an evicted value. It runs with the owning entry already
// marked inflight, so a deleter that re-enters the cache never observes the
// value it is freeing.
type Deleter func(value any)

// Stats holds the counters a cache maintains across its lifetime.
type Stats struct {
	MaxSize int64
	Size    int64
	Entries int
	Hits    uint64
	Misses  uint64
	Expired uint64
	Flushed uint64
	Pruned  uint64
	Saved   float64 // seconds of build cost avoided by reuse
}

// String renders the stats in the canonical single-line form.
func (s Stats) String() string {
	total := s.Hits + s.Misses
	hitrate := uint64(0)
	if total > 0 {
		hitrate = s.Hits * 100 / total
	}
	return fmt.Sprintf("maxsize %d size %d entries %d flushed %d hits %d "+
		"missed %d hitrate %d expired %d pruned %d saved %.6f",
		s.MaxSize, s.Size, s.Entries, s.Flushed, s.Hits, s.Misses, hitrate,
		s.Expired, s.Pruned, s.Saved)
}

// Cache is a named, size-limited container of keyed entries with an LRU
// eviction list. All exported methods except Lock, TryLock and Unlock must
// be called with the cache lock held; WaitCreateEntry and Wait release it
// while they wait and hold it again on return.
type Cache struct {
	mu      sync.Mutex
	waiters []chan struct{}

	name        string
	maxSize     int64
	currentSize int64
	entries     map[string]*Entry
	lru         *list.List // front is most recently used
	deleter     Deleter
	logger      *zap.Logger

	hits    uint64
	misses  uint64
	expired uint64
	flushed uint64
	pruned  uint64
}

// Entry is a single keyed value in a cache. A nil value marks an entry
// whose build is still in flight on another goroutine.
type Entry struct {
	cache  *Cache
	key    string
	elem   *list.Element
	expiry time.Time // zero means never
	size   int64
	cost   time.Duration // cost to build this entry once
	count  uint64        // reuse count
	value  any
}

// New creates a size-limited cache. maxSize zero disables pruning. The
// deleter, when non-nil, runs on every value the cache releases. A nil
// logger is replaced with a no-op logger.
func New(name string, maxSize int64, deleter Deleter, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		name:    name,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
		lru:     list.New(),
		deleter: deleter,
		logger:  logger,
	}
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// MaxSize returns the configured byte budget.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// CurrentSize returns the summed size of all present values.
func (c *Cache) CurrentSize() int64 { return c.currentSize }

// Lock acquires the cache lock.
func (c *Cache) Lock() { c.mu.Lock() }

// Unlock releases the cache lock.
func (c *Cache) Unlock() { c.mu.Unlock() }

// TryLock acquires the cache lock if it is free.
func (c *Cache) TryLock() bool { return c.mu.TryLock() }

// Find returns the valid entry for key, or nil when the key is absent,
// expired, or under construction. A hit moves the entry to the top of the
// LRU list and bumps its reuse count.
func (c *Cache) Find(key string) *Entry {
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if e.value == nil {
		// Entry is being built by some other goroutine.
		c.misses++
		return nil
	}
	if e.expiredAt(time.Now()) {
		c.expired++
		c.misses++
		c.DeleteEntry(e)
		return nil
	}
	c.hits++
	e.count++
	c.lru.MoveToFront(e.elem)
	return e
}

// CreateEntry returns the entry for key, creating it when absent. An
// existing entry whose value has expired is unset and reported as new.
func (c *Cache) CreateEntry(key string) (*Entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		e = &Entry{cache: c, key: key}
		e.elem = c.lru.PushFront(e)
		c.entries[key] = e
		c.misses++
		return e, true
	}
	isNew := false
	if e.expiredAt(time.Now()) {
		c.expired++
		c.unsetValue(e)
		isNew = true
	} else if e.value != nil {
		e.count++
		c.hits++
	}
	c.lru.MoveToFront(e.elem)
	return e, isNew
}

// WaitCreateEntry behaves as CreateEntry, but when the entry exists with a
// build still in flight it waits, up to the absolute deadline, for the
// builder to finish (or fail) and retries. It returns a nil entry when the
// deadline passes first; the lock is held on return either way.
func (c *Cache) WaitCreateEntry(key string, deadline time.Time) (*Entry, bool) {
	e, isNew := c.CreateEntry(key)
	for !isNew && e.value == nil {
		if !c.Wait(deadline) {
			return nil, false
		}
		e, isNew = c.CreateEntry(key)
	}
	return e, isNew
}

// Wait blocks on the cache condition until a Signal/Broadcast or until the
// absolute deadline. A zero deadline waits indefinitely. It returns false
// on timeout. The lock is released while waiting and held on return.
func (c *Cache) Wait(deadline time.Time) bool {
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)

	var timer *time.Timer
	var expiry <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expiry = timer.C
	}

	c.mu.Unlock()
	ok := true
	select {
	case <-w:
	case <-expiry:
		ok = false
	}
	c.mu.Lock()

	if !ok {
		c.removeWaiter(w)
	}
	return ok
}

// Signal wakes a single waiter, if any.
func (c *Cache) Signal() {
	if len(c.waiters) > 0 {
		close(c.waiters[0])
		c.waiters = c.waiters[1:]
	}
}

// Broadcast wakes every waiter.
func (c *Cache) Broadcast() {
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

func (c *Cache) removeWaiter(w chan struct{}) {
	for i, o := range c.waiters {
		if o == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// SetValue replaces the entry's value, freeing any previous one, accounts
// the new size, and prunes from the LRU tail until the cache fits its
// budget again. Pruning never removes the entry being updated nor entries
// still under construction.
func (e *Entry) SetValue(value any, size int64, expiry time.Time, cost time.Duration) {
	c := e.cache
	c.unsetValue(e)
	e.value = value
	e.size = size
	e.cost = cost
	e.count = 1
	e.expiry = expiry

	c.currentSize += size
	if c.maxSize > 0 {
		// Make room, but skip the entry being updated and newborn
		// entries of other goroutines: concurrent builders release the
		// cache lock while they compute.
		for c.currentSize > c.maxSize {
			tail := c.lru.Back()
			if tail == nil {
				break
			}
			victim := tail.Value.(*Entry)
			if victim == e || victim.value == nil {
				break
			}
			c.DeleteEntry(victim)
			c.pruned++
		}
	}
}

// UnsetValue resets the entry's value to the inflight marker, releasing the
// previous value through the deleter.
func (e *Entry) UnsetValue() { e.cache.unsetValue(e) }

// unsetValue nulls the slot before running the deleter so a deleter that
// re-enters the cache sees the entry as inflight rather than freed twice.
func (c *Cache) unsetValue(e *Entry) {
	if e.value == nil {
		return
	}
	value := e.value
	c.currentSize -= e.size
	e.size = 0
	e.value = nil
	e.expiry = time.Time{}
	if c.deleter != nil {
		c.deleter(value)
	}
}

// FlushEntry deletes an entry on behalf of user code, counting the flush.
func (c *Cache) FlushEntry(e *Entry) {
	c.flushed++
	c.DeleteEntry(e)
}

// DeleteEntry removes an entry, releasing its value. Entries under
// concurrent update are deleted as well; their builder will find the entry
// gone on re-create.
func (c *Cache) DeleteEntry(e *Entry) {
	c.unsetValue(e)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.entries, e.key)
}

// Flush deletes every completed entry and returns how many were removed.
// Entries with builds in flight survive.
func (c *Cache) Flush() int {
	n := 0
	var s Search
	for e := c.FirstEntry(&s); e != nil; e = c.NextEntry(&s) {
		c.DeleteEntry(e)
		n++
	}
	c.flushed++
	return n
}

// Search carries iteration state between FirstEntry and NextEntry. The
// current time is captured once so a long walk uses one consistent notion
// of "now" for expiry checks.
type Search struct {
	now  time.Time
	keys []string
	pos  int
}

// FirstEntry starts a walk over the valid entries, in no particular order.
// Expired entries encountered are deleted; inflight entries are skipped.
func (c *Cache) FirstEntry(s *Search) *Entry {
	s.now = time.Now()
	s.keys = make([]string, 0, len(c.entries))
	for k := range c.entries {
		s.keys = append(s.keys, k)
	}
	s.pos = 0
	return c.NextEntry(s)
}

// NextEntry continues a walk started by FirstEntry.
func (c *Cache) NextEntry(s *Search) *Entry {
	for s.pos < len(s.keys) {
		key := s.keys[s.pos]
		s.pos++
		e, ok := c.entries[key]
		if !ok || e.value == nil {
			continue
		}
		if e.expiredAt(s.now) {
			c.expired++
			c.DeleteEntry(e)
			continue
		}
		return e
	}
	return nil
}

// Stats returns a snapshot of the counters, including the summed build
// cost saved by entry reuse.
func (c *Cache) Stats() Stats {
	saved := 0.0
	var s Search
	for e := c.FirstEntry(&s); e != nil; e = c.NextEntry(&s) {
		saved += float64(e.count) * e.cost.Seconds()
	}
	return Stats{
		MaxSize: c.maxSize,
		Size:    c.currentSize,
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		Expired: c.expired,
		Flushed: c.flushed,
		Pruned:  c.pruned,
		Saved:   saved,
	}
}

// ResetStats zeroes all counters.
func (c *Cache) ResetStats() {
	c.hits, c.misses, c.expired, c.flushed, c.pruned = 0, 0, 0, 0, 0
}

// Key returns the entry's key.
func (e *Entry) Key() string { return e.key }

// Value returns the stored value, or nil while a build is in flight.
func (e *Entry) Value() any { return e.value }

// Size returns the accounted byte size of the value.
func (e *Entry) Size() int64 { return e.size }

// Expiry returns the absolute expiry instant; zero means never.
func (e *Entry) Expiry() time.Time { return e.expiry }

// Cost returns the recorded cost of building the value.
func (e *Entry) Cost() time.Duration { return e.cost }

// Count returns how often the value has been reused.
func (e *Entry) Count() uint64 { return e.count }

func (e *Entry) expiredAt(now time.Time) bool {
	return !e.expiry.IsZero() && e.expiry.Before(now)
}
