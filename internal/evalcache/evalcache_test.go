package evalcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "servcore/pkg/errors"
)

func newTestCache(opts Options) *Cache {
	return NewRegistry(nil).Create("test", opts)
}

func TestEvalBuildsOnMiss(t *testing.T) {
	c := newTestCache(Options{})

	calls := 0
	build := func() (string, bool, error) {
		calls++
		return "built", true, nil
	}

	v, err := c.Eval("k", build, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, "built", v)

	// Second eval hits the cache.
	v, err = c.Eval("k", build, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, "built", v)
	assert.Equal(t, 1, calls)
}

func TestEvalForceRebuilds(t *testing.T) {
	c := newTestCache(Options{})

	n := 0
	build := func() (string, bool, error) {
		n++
		return "v" + string(rune('0'+n)), true, nil
	}

	v, _ := c.Eval("k", build, EvalOpts{})
	assert.Equal(t, "v1", v)
	v, _ = c.Eval("k", build, EvalOpts{Force: true})
	assert.Equal(t, "v2", v)
}

func TestEvalCoalescesConcurrentBuilds(t *testing.T) {
	c := newTestCache(Options{})

	var builds int32
	build := func() (string, bool, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(100 * time.Millisecond)
		return "v", true, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Eval("k", build, EvalOpts{Timeout: 5 * time.Second})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds), "build must run exactly once")
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "v", results[i])
	}

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEvalBuildFailureDeletesPlaceholder(t *testing.T) {
	c := newTestCache(Options{})

	_, err := c.Eval("k", func() (string, bool, error) {
		return "", true, apperrors.NewInternal("script failed", nil)
	}, EvalOpts{})
	require.Error(t, err)

	// The placeholder is gone; the next eval builds again.
	v, err := c.Eval("k", func() (string, bool, error) {
		return "recovered", true, nil
	}, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
}

func TestEvalUncacheableResultNotStored(t *testing.T) {
	c := newTestCache(Options{})

	v, err := c.Eval("k", func() (string, bool, error) {
		return "once", false, nil
	}, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, "once", v)

	_, err = c.Get("k")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEvalWaitTimeout(t *testing.T) {
	c := newTestCache(Options{WaitTimeout: 50 * time.Millisecond})

	release := make(chan struct{})
	go func() {
		_, _ = c.Eval("k", func() (string, bool, error) {
			<-release
			return "slow", true, nil
		}, EvalOpts{})
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := c.Eval("k", func() (string, bool, error) {
		return "fast", true, nil
	}, EvalOpts{})
	assert.True(t, apperrors.IsTimeout(err), "waiters must see a timeout, not a miss")
	close(release)
}

func TestMaxEntryCap(t *testing.T) {
	c := newTestCache(Options{MaxEntry: 4})

	v, err := c.Eval("k", func() (string, bool, error) {
		return "this value is far too large", true, nil
	}, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, "this value is far too large", v)

	// Oversized values are delivered but not stored.
	_, err = c.Get("k")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestIncr(t *testing.T) {
	c := newTestCache(Options{})

	n, err := c.Incr("hits", 1, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr("hits", 41, EvalOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	v, err := c.Get("hits")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestAppendAndLappend(t *testing.T) {
	c := newTestCache(Options{})

	v, err := c.Append("a", EvalOpts{}, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, "foobar", v)

	v, err = c.Lappend("l", EvalOpts{}, "x", "y")
	require.NoError(t, err)
	assert.Equal(t, "x y", v)

	v, err = c.Lappend("l", EvalOpts{}, "z")
	require.NoError(t, err)
	assert.Equal(t, "x y z", v)
}

func TestKeysAndFlush(t *testing.T) {
	c := newTestCache(Options{})
	for _, k := range []string{"user:1", "user:2", "page:1"} {
		_, err := c.Eval(k, func() (string, bool, error) { return "v", true, nil }, EvalOpts{})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"user:1", "user:2"}, c.Keys("user:*"))
	assert.Equal(t, []string{"page:1", "user:1", "user:2"}, c.Keys(""))

	assert.Equal(t, 2, c.Flush("user:*"))
	assert.Equal(t, []string{"page:1"}, c.Keys(""))
	assert.Equal(t, 1, c.Flush())
	assert.Empty(t, c.Keys(""))
}

func TestExpiresDefaultTTL(t *testing.T) {
	c := newTestCache(Options{DefaultTTL: 20 * time.Millisecond})

	_, err := c.Eval("k", func() (string, bool, error) { return "v", true, nil }, EvalOpts{})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = c.Get("k")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("b", Options{})
	r.Create("a", Options{})
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err := r.Get("missing")
	assert.Error(t, err)
}
