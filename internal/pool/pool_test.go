package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "servcore/pkg/errors"
)

func TestServesQueuedConnections(t *testing.T) {
	var served int32
	cfg := DefaultConfig()
	cfg.MinThreads = 2
	p := New("default", cfg, func(c *Conn) {
		atomic.AddInt32(&served, 1)
	}, nil)
	p.Start()
	defer p.Stop(time.Now().Add(2 * time.Second))

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Queue(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&served) < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(10), atomic.LoadInt32(&served))
	assert.Equal(t, uint64(10), p.Stats().Processed)
}

func TestFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	cfg := DefaultConfig()
	cfg.MinThreads = 1
	cfg.MaxThreads = 1
	p := New("fifo", cfg, func(c *Conn) {
		<-release
		mu.Lock()
		order = append(order, c.Arg.(int))
		mu.Unlock()
	}, nil)
	p.Start()
	defer p.Stop(time.Now().Add(2 * time.Second))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Queue(i))
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRejectOverrun(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	cfg.MinThreads = 2
	cfg.MaxThreads = 2
	cfg.RejectOverrun = true
	cfg.RetryAfter = 5 * time.Second

	p := New("tight", cfg, func(c *Conn) {
		<-block
	}, nil)
	p.Start()
	defer func() {
		close(block)
		p.Stop(time.Now().Add(2 * time.Second))
	}()

	require.NoError(t, p.Queue(1))
	require.NoError(t, p.Queue(2))

	// Give workers time to occupy both slots.
	time.Sleep(50 * time.Millisecond)

	err := p.Queue(3)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindOverload))
	assert.Equal(t, uint64(1), p.Stats().Rejected)
	assert.Equal(t, 5*time.Second, p.Config().RetryAfter)
}

func TestBlockingAdmission(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MinThreads = 1
	cfg.MaxThreads = 1
	cfg.RejectOverrun = false

	p := New("blocking", cfg, func(c *Conn) {
		<-block
	}, nil)
	p.Start()
	defer p.Stop(time.Now().Add(2 * time.Second))

	require.NoError(t, p.Queue(1))
	time.Sleep(20 * time.Millisecond)

	queued := make(chan error, 1)
	go func() {
		queued <- p.Queue(2)
	}()

	select {
	case <-queued:
		t.Fatal("driver must block while no slot is free")
	case <-time.After(100 * time.Millisecond):
	}

	// Finishing the running connection frees the slot and unblocks the
	// driver.
	close(block)
	select {
	case err := <-queued:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver was not unblocked")
	}
}

func TestWorkersScaleUp(t *testing.T) {
	var concurrent, peak int32
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.MinThreads = 1
	cfg.MaxThreads = 4

	p := New("scale", cfg, func(c *Conn) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		<-block
		atomic.AddInt32(&concurrent, -1)
	}, nil)
	p.Start()
	defer func() {
		close(block)
		p.Stop(time.Now().Add(2 * time.Second))
	}()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Queue(i))
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&peak) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2),
		"pool must add workers when requests pile up")
	assert.LessOrEqual(t, p.Stats().Workers, 4)
}

func TestConnsPerThreadRecycling(t *testing.T) {
	var served int32
	cfg := DefaultConfig()
	cfg.MinThreads = 1
	cfg.MaxThreads = 2
	cfg.ConnsPerThread = 3

	p := New("recycle", cfg, func(c *Conn) {
		atomic.AddInt32(&served, 1)
	}, nil)
	p.Start()
	defer p.Stop(time.Now().Add(2 * time.Second))

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Queue(i))
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&served) < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(10), atomic.LoadInt32(&served),
		"worker turnover must not lose queued connections")
}

func TestStopDrainsQueue(t *testing.T) {
	var served int32
	cfg := DefaultConfig()
	cfg.MinThreads = 1
	p := New("drain", cfg, func(c *Conn) {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&served, 1)
	}, nil)
	p.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Queue(i))
	}
	ok := p.Stop(time.Now().Add(3 * time.Second))
	assert.True(t, ok, "pool must drain before the deadline")
	assert.Equal(t, int32(5), atomic.LoadInt32(&served))

	err := p.Queue(99)
	assert.Error(t, err, "a stopped pool refuses new work")
}

func TestStopTimeoutAbandons(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.MinThreads = 1
	p := New("stuck", cfg, func(c *Conn) {
		<-block
	}, nil)
	p.Start()
	require.NoError(t, p.Queue(1))
	time.Sleep(20 * time.Millisecond)

	ok := p.Stop(time.Now().Add(100 * time.Millisecond))
	assert.False(t, ok, "a pool that cannot drain is abandoned")
	close(block)
}

func TestPanicContainment(t *testing.T) {
	var served int32
	cfg := DefaultConfig()
	cfg.MinThreads = 1
	p := New("panicky", cfg, func(c *Conn) {
		if c.Arg.(int) == 0 {
			panic("handler exploded")
		}
		atomic.AddInt32(&served, 1)
	}, nil)
	p.Start()
	defer p.Stop(time.Now().Add(2 * time.Second))

	require.NoError(t, p.Queue(0))
	require.NoError(t, p.Queue(1))

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&served) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&served),
		"a panicking handler must not kill the worker pool")
}

func TestWriterQueueDelivers(t *testing.T) {
	cfg := DefaultConfig()
	p := New("writers", cfg, func(c *Conn) {}, nil)
	wq := NewWriterQueue(p, 2, nil)

	var buf bytes.Buffer
	var mu sync.Mutex
	done := make(chan struct{})
	payload := bytes.Repeat([]byte("z"), 64*1024)

	ok := wq.Submit(WriteTask{
		W:    lockedWriter{&mu, &buf},
		Data: payload,
		Done: func(n int64, err error) {
			assert.NoError(t, err)
			assert.Equal(t, int64(len(payload)), n)
			close(done)
		},
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer queue did not deliver")
	}
	mu.Lock()
	assert.Equal(t, payload, buf.Bytes())
	mu.Unlock()
	wq.Stop(time.Now().Add(time.Second))
}

func TestWriterRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnRateLimit = 64 * 1024 // 64 KiB/s
	p := New("limited", cfg, func(c *Conn) {}, nil)
	wq := NewWriterQueue(p, 1, nil)

	var buf bytes.Buffer
	var mu sync.Mutex
	done := make(chan struct{})
	payload := bytes.Repeat([]byte("z"), 32*1024)

	start := time.Now()
	require.True(t, wq.Submit(WriteTask{
		W:    lockedWriter{&mu, &buf},
		Data: payload,
		Done: func(n int64, err error) { close(done) },
	}))
	<-done
	elapsed := time.Since(start)

	// 32 KiB at 64 KiB/s should take roughly half a second.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond,
		"writer must pace rate-limited bodies")
	wq.Stop(time.Now().Add(time.Second))
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
