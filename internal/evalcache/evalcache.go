// Package evalcache layers a string-valued, build-on-miss façade over the
// core cache engine.
//
// Eval guarantees at most one build per key at a time: concurrent callers
// wait on the entry's inflight marker and reuse the first builder's
// result. Builds run with the cache unlocked so a slow build never stalls
// unrelated keys.
package evalcache

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"servcore/internal/cache"
	apperrors "servcore/pkg/errors"
)

// DefaultWaitTimeout bounds waits for a concurrent update when the cache
// was created without an explicit timeout.
const DefaultWaitTimeout = 2 * time.Second

// BuildFunc computes a value for Eval. Returning cacheable=false delivers
// the value to the caller without storing it; the placeholder entry is
// removed so the next caller builds again.
type BuildFunc func() (value string, cacheable bool, err error)

// Cache is a named scripted cache with per-cache defaults.
type Cache struct {
	cache       *cache.Cache
	waitTimeout time.Duration
	defaultTTL  time.Duration
	maxEntry    int64
	logger      *zap.Logger
}

// Options configures a scripted cache at creation time.
type Options struct {
	MaxSize     int64
	MaxEntry    int64         // single-entry byte cap; 0 disables
	WaitTimeout time.Duration // wait for concurrent updates
	DefaultTTL  time.Duration // default entry time-to-live; 0 means never
}

// EvalOpts modifies a single operation.
type EvalOpts struct {
	Force   bool          // rebuild even when a valid entry exists
	Timeout time.Duration // overrides the cache wait timeout
	TTL     time.Duration // overrides the cache default TTL
}

func newCache(name string, opts Options, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = DefaultWaitTimeout
	}
	return &Cache{
		cache:       cache.New(name, opts.MaxSize, nil, logger),
		waitTimeout: wait,
		defaultTTL:  opts.DefaultTTL,
		maxEntry:    opts.MaxEntry,
		logger:      logger,
	}
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.cache.Name() }

// deadline converts the effective wait timeout to an absolute instant.
func (c *Cache) deadline(opts EvalOpts) time.Time {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.waitTimeout
	}
	return time.Now().Add(timeout)
}

// expiry computes the absolute expiry for a new value.
func (c *Cache) expiry(opts EvalOpts) time.Time {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Eval returns the cached value for key, building it with build on a
// miss. While a build is in flight other callers wait up to the effective
// timeout. A failed or non-cacheable build removes the placeholder so
// waiters can retry.
func (c *Cache) Eval(key string, build BuildFunc, opts EvalOpts) (string, error) {
	c.cache.Lock()
	entry, isNew := c.cache.WaitCreateEntry(key, c.deadline(opts))
	if entry == nil {
		c.cache.Unlock()
		return "", apperrors.NewTimeout("timeout waiting for concurrent update: " + key)
	}
	if !isNew && !opts.Force {
		value := entry.Value().(string)
		c.cache.Unlock()
		return value, nil
	}
	c.cache.Unlock()

	start := time.Now()
	value, cacheable, err := build()
	cost := time.Since(start)

	c.cache.Lock()
	defer c.cache.Unlock()
	// The entry may have been flushed while the build ran unlocked;
	// re-create to operate on the current placeholder.
	entry, _ = c.cache.CreateEntry(key)
	if err != nil || !cacheable {
		c.cache.DeleteEntry(entry)
	} else {
		c.store(entry, value, c.expiry(opts), cost)
	}
	c.cache.Broadcast()
	return value, err
}

// store sets the value unless it exceeds the single-entry cap, in which
// case the entry is deleted instead.
func (c *Cache) store(entry *cache.Entry, value string, expiry time.Time, cost time.Duration) {
	size := int64(len(value))
	if c.maxEntry > 0 && size > c.maxEntry {
		c.logger.Debug("evalcache: entry exceeds maxentry, not cached",
			zap.String("cache", c.cache.Name()),
			zap.String("key", entry.Key()),
			zap.Int64("size", size),
		)
		c.cache.DeleteEntry(entry)
		return
	}
	entry.SetValue(value, size, expiry, cost)
}

// Incr adds delta to the integer value under key, seeding an absent entry
// with zero. The whole read-modify-write runs under the cache lock.
func (c *Cache) Incr(key string, delta int64, opts EvalOpts) (int64, error) {
	c.cache.Lock()
	defer c.cache.Unlock()

	entry, isNew := c.cache.WaitCreateEntry(key, c.deadline(opts))
	if entry == nil {
		return 0, apperrors.NewTimeout("timeout waiting for concurrent update: " + key)
	}
	cur := int64(0)
	if !isNew {
		var err error
		cur, err = strconv.ParseInt(entry.Value().(string), 10, 64)
		if err != nil {
			c.cache.DeleteEntry(entry)
			c.cache.Broadcast()
			return 0, apperrors.NewBadRequest("value is not an integer")
		}
	}
	cur += delta
	c.store(entry, strconv.FormatInt(cur, 10), c.expiry(opts), 0)
	c.cache.Broadcast()
	return cur, nil
}

// Append concatenates the parts onto the value under key.
func (c *Cache) Append(key string, opts EvalOpts, parts ...string) (string, error) {
	return c.appendWith(key, opts, "", parts)
}

// Lappend appends the parts as list elements, separated by spaces.
func (c *Cache) Lappend(key string, opts EvalOpts, parts ...string) (string, error) {
	return c.appendWith(key, opts, " ", parts)
}

func (c *Cache) appendWith(key string, opts EvalOpts, sep string, parts []string) (string, error) {
	c.cache.Lock()
	defer c.cache.Unlock()

	entry, isNew := c.cache.WaitCreateEntry(key, c.deadline(opts))
	if entry == nil {
		return "", apperrors.NewTimeout("timeout waiting for concurrent update: " + key)
	}
	var sb strings.Builder
	if !isNew {
		sb.WriteString(entry.Value().(string))
	}
	for _, part := range parts {
		if sep != "" && sb.Len() > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(part)
	}
	value := sb.String()
	c.store(entry, value, c.expiry(opts), 0)
	c.cache.Broadcast()
	return value, nil
}

// Get returns the value under key without building.
func (c *Cache) Get(key string) (string, error) {
	c.cache.Lock()
	defer c.cache.Unlock()

	entry := c.cache.Find(key)
	if entry == nil {
		return "", apperrors.NewNotFound("no such key: " + key)
	}
	return entry.Value().(string), nil
}

// Keys returns the sorted keys matching the optional glob pattern.
func (c *Cache) Keys(pattern string) []string {
	c.cache.Lock()
	defer c.cache.Unlock()

	var keys []string
	var s cache.Search
	for e := c.cache.FirstEntry(&s); e != nil; e = c.cache.NextEntry(&s) {
		if pattern == "" || globMatch(pattern, e.Key()) {
			keys = append(keys, e.Key())
		}
	}
	sort.Strings(keys)
	return keys
}

// Flush removes entries matching any of the glob patterns, or every entry
// when none are given. It returns the number of entries flushed.
func (c *Cache) Flush(patterns ...string) int {
	c.cache.Lock()
	defer c.cache.Unlock()

	if len(patterns) == 0 {
		return c.cache.Flush()
	}
	n := 0
	var s cache.Search
	for e := c.cache.FirstEntry(&s); e != nil; e = c.cache.NextEntry(&s) {
		for _, pattern := range patterns {
			if globMatch(pattern, e.Key()) {
				c.cache.FlushEntry(e)
				n++
				break
			}
		}
	}
	return n
}

// Stats returns a snapshot of the underlying cache counters.
func (c *Cache) Stats() cache.Stats {
	c.cache.Lock()
	defer c.cache.Unlock()
	return c.cache.Stats()
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// Registry resolves scripted caches by name for one server.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*Cache
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{caches: make(map[string]*Cache), logger: logger}
}

// Create registers a scripted cache. Duplicate names return the existing
// cache unchanged.
func (r *Registry) Create(name string, opts Options) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[name]; ok {
		return c
	}
	c := newCache(name, opts, r.logger)
	r.caches[name] = c
	return c
}

// Get resolves a cache by name.
func (r *Registry) Get(name string) (*Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[name]
	if !ok {
		return nil, apperrors.NewNotFound("no such cache: " + name)
	}
	return c, nil
}

// Names returns the sorted names of all scripted caches.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
