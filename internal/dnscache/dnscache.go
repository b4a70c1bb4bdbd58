// Package dnscache caches host and address resolutions.
//
// Two caches are kept, one per lookup direction. A resolution in flight
// holds an inflight cache entry; concurrent lookups of the same name wait
// up to the configured timeout and reuse the result instead of issuing
// their own system calls. The OS resolver is guarded by a circuit breaker
// so a dead resolver does not pile up blocked workers.
package dnscache

import (
	"context"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"servcore/internal/cache"
)

// Config controls resolver caching.
type Config struct {
	Enabled     bool
	MaxSize     int64         // byte budget per direction
	TTL         time.Duration // lifetime of a cached resolution
	WaitTimeout time.Duration // wait for a concurrent resolution
}

// DefaultConfig mirrors the stock server settings.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxSize:     1024 * 512,
		TTL:         60 * time.Second,
		WaitTimeout: 5 * time.Second,
	}
}

// Resolver answers host/address lookups through the per-direction caches.
type Resolver struct {
	cfg       Config
	hostCache *cache.Cache // host -> whitespace-separated addresses
	addrCache *cache.Cache // address -> hostname
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger

	// Injection points for the OS calls.
	lookupHost func(ctx context.Context, host string) ([]string, error)
	lookupAddr func(ctx context.Context, addr string) ([]string, error)
}

// New creates a resolver. With caching disabled every call resolves
// directly.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	r := &Resolver{
		cfg:        cfg,
		logger:     logger,
		lookupHost: defaultLookupHost,
		lookupAddr: defaultLookupAddr,
	}
	if cfg.Enabled {
		r.hostCache = cache.New("ns:dnshost", cfg.MaxSize, nil, logger)
		r.addrCache = cache.New("ns:dnsaddr", cfg.MaxSize, nil, logger)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dns",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dns breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return r
}

// AddrByHost resolves a hostname to its first address.
func (r *Resolver) AddrByHost(host string) (string, bool) {
	addrs, ok := r.allAddrByHost(host)
	if !ok {
		return "", false
	}
	// Only the first whitespace-separated token is returned.
	if i := strings.IndexByte(addrs, ' '); i >= 0 {
		addrs = addrs[:i]
	}
	return addrs, true
}

// AllAddrByHost resolves a hostname to all its addresses, whitespace
// separated.
func (r *Resolver) AllAddrByHost(host string) (string, bool) {
	return r.allAddrByHost(host)
}

// HostByAddr resolves an address to a hostname.
func (r *Resolver) HostByAddr(addr string) (string, bool) {
	return r.get(r.addrCache, addr, func() (string, error) {
		hosts, err := r.resolve(func(ctx context.Context) ([]string, error) {
			return r.lookupAddr(ctx, addr)
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSuffix(hosts[0], "."), nil
	})
}

func (r *Resolver) allAddrByHost(host string) (string, bool) {
	return r.get(r.hostCache, host, func() (string, error) {
		addrs, err := r.resolve(func(ctx context.Context) ([]string, error) {
			return r.lookupHost(ctx, host)
		})
		if err != nil {
			return "", err
		}
		return strings.Join(addrs, " "), nil
	})
}

// get looks the key up through the cache, performing the blocking
// resolution outside the cache lock on a fresh entry. A nil cache (caching
// disabled) resolves directly.
func (r *Resolver) get(c *cache.Cache, key string, resolveFn func() (string, error)) (string, bool) {
	if c == nil {
		value, err := resolveFn()
		if err != nil {
			r.logger.Warn("dns: lookup failed", zap.String("key", key), zap.Error(err))
			return "", false
		}
		return value, true
	}

	c.Lock()
	entry, isNew := c.WaitCreateEntry(key, time.Now().Add(r.cfg.WaitTimeout))
	if entry == nil {
		// Timed out waiting for a concurrent resolution; report a miss
		// rather than blocking the caller any longer.
		c.Unlock()
		r.logger.Info("dns: timeout waiting for concurrent update", zap.String("key", key))
		return "", false
	}
	if !isNew {
		value := entry.Value().(string)
		c.Unlock()
		return value, true
	}
	c.Unlock()

	start := time.Now()
	value, err := resolveFn()
	cost := time.Since(start)

	c.Lock()
	entry, _ = c.CreateEntry(key)
	if err != nil {
		c.DeleteEntry(entry)
		c.Broadcast()
		c.Unlock()
		r.logger.Warn("dns: lookup failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	entry.SetValue(value, int64(len(value)), time.Now().Add(r.cfg.TTL), cost)
	c.Broadcast()
	c.Unlock()
	return value, true
}

// resolve runs one OS lookup through the circuit breaker.
func (r *Resolver) resolve(fn func(ctx context.Context) ([]string, error)) ([]string, error) {
	result, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WaitTimeout)
		defer cancel()
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, context.DeadlineExceeded
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}
