package cache

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	apperrors "servcore/pkg/errors"
)

// Registry maps cache names to caches for one server. Handler-facing
// commands resolve caches by name through the owning server's registry.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*Cache
	logger *zap.Logger
}

// NewRegistry creates an empty cache registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		caches: make(map[string]*Cache),
		logger: logger,
	}
}

// Create registers a new named cache. Creating a name that already exists
// returns the existing cache unchanged, so repeated registrations are
// idempotent.
func (r *Registry) Create(name string, maxSize int64, deleter Deleter) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[name]; ok {
		return c
	}
	c := New(name, maxSize, deleter, r.logger)
	r.caches[name] = c
	r.logger.Debug("created cache",
		zap.String("cache", name),
		zap.Int64("max_size", maxSize),
	)
	return c
}

// Get resolves a cache by name.
func (r *Registry) Get(name string) (*Cache, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caches[name]
	if !ok {
		return nil, apperrors.NewNotFound("no such cache: " + name)
	}
	return c, nil
}

// Names returns the sorted names of all registered caches.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Walk calls fn for each registered cache. Used by the metrics collector.
func (r *Registry) Walk(fn func(*Cache)) {
	r.mu.RLock()
	caches := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.RUnlock()

	for _, c := range caches {
		fn(c)
	}
}
