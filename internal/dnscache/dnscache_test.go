package dnscache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(cfg Config) *Resolver {
	r := New(cfg, nil)
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		switch host {
		case "one.example.com":
			return []string{"192.0.2.1"}, nil
		case "two.example.com":
			return []string{"192.0.2.1", "192.0.2.2"}, nil
		default:
			return nil, fmt.Errorf("no such host: %s", host)
		}
	}
	r.lookupAddr = func(ctx context.Context, addr string) ([]string, error) {
		if addr == "192.0.2.1" {
			return []string{"one.example.com."}, nil
		}
		return nil, fmt.Errorf("no reverse mapping for %s", addr)
	}
	return r
}

func TestAddrByHost(t *testing.T) {
	r := newTestResolver(DefaultConfig())

	addr, ok := r.AddrByHost("one.example.com")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", addr)

	t.Run("returns only the first address", func(t *testing.T) {
		addr, ok := r.AddrByHost("two.example.com")
		require.True(t, ok)
		assert.Equal(t, "192.0.2.1", addr)
	})

	t.Run("all addresses are whitespace separated", func(t *testing.T) {
		addrs, ok := r.AllAddrByHost("two.example.com")
		require.True(t, ok)
		assert.Equal(t, "192.0.2.1 192.0.2.2", addrs)
	})
}

func TestHostByAddr(t *testing.T) {
	r := newTestResolver(DefaultConfig())

	host, ok := r.HostByAddr("192.0.2.1")
	require.True(t, ok)
	assert.Equal(t, "one.example.com", host, "trailing dot is stripped")

	_, ok = r.HostByAddr("203.0.113.9")
	assert.False(t, ok)
}

func TestResolutionIsCached(t *testing.T) {
	r := newTestResolver(DefaultConfig())
	var calls int32
	inner := r.lookupHost
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return inner(ctx, host)
	}

	for i := 0; i < 5; i++ {
		_, ok := r.AddrByHost("one.example.com")
		require.True(t, ok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestConcurrentLookupsCoalesce(t *testing.T) {
	r := newTestResolver(DefaultConfig())
	var calls int32
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return []string{"192.0.2.7"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, ok := r.AddrByHost("slow.example.com")
			assert.True(t, ok)
			assert.Equal(t, "192.0.2.7", addr)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "inflight lookups must coalesce")
}

func TestFailedLookupNotCached(t *testing.T) {
	r := newTestResolver(DefaultConfig())
	var calls int32
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("resolver down")
	}

	_, ok := r.AddrByHost("x.example.com")
	assert.False(t, ok)
	_, ok = r.AddrByHost("x.example.com")
	assert.False(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "failures must not be cached")
}

func TestCachingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	r := newTestResolver(cfg)

	var calls int32
	inner := r.lookupHost
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return inner(ctx, host)
	}

	for i := 0; i < 3; i++ {
		_, ok := r.AddrByHost("one.example.com")
		require.True(t, ok)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 20 * time.Millisecond
	r := newTestResolver(cfg)

	var calls int32
	inner := r.lookupHost
	r.lookupHost = func(ctx context.Context, host string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return inner(ctx, host)
	}

	_, _ = r.AddrByHost("one.example.com")
	time.Sleep(40 * time.Millisecond)
	_, _ = r.AddrByHost("one.example.com")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "expired entries resolve again")
}
