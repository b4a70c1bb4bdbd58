package pool

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// writerChunk is the unit in which writer goroutines hand bytes to the
// wire; pacing sleeps are computed per chunk.
const writerChunk = 8 * 1024

// WriteTask is one response body handed off to the writer queue.
type WriteTask struct {
	Conn *Conn
	W    io.Writer
	Data []byte
	Done func(n int64, err error)
}

// WriterQueue drains large or rate-limited response bodies off the worker
// goroutines. Two ceilings apply: the per-connection limit (the pool
// default, overridable per connection) and the aggregate pool limit.
type WriterQueue struct {
	pool    *Pool
	logger  *zap.Logger
	tasks   chan WriteTask
	wg      sync.WaitGroup
	stopped chan struct{}

	mu        sync.Mutex
	poolSpent int64     // bytes written in the current pacing window
	windowAt  time.Time // start of the pacing window
}

// NewWriterQueue starts n writer goroutines for the pool.
func NewWriterQueue(p *Pool, n int, logger *zap.Logger) *WriterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n <= 0 {
		n = 1
	}
	wq := &WriterQueue{
		pool:    p,
		logger:  logger,
		tasks:   make(chan WriteTask, p.cfg.MaxConnections),
		stopped: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		wq.wg.Add(1)
		go wq.drain()
	}
	go func() {
		wq.wg.Wait()
		close(wq.stopped)
	}()
	return wq
}

// Submit hands a body to the writer queue. It reports false when the
// queue is full or stopped; the caller then writes inline.
func (wq *WriterQueue) Submit(task WriteTask) (ok bool) {
	// After Stop the channel is closed and the send panics; that counts
	// as a refusal.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case wq.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for the writers to finish, up to the
// deadline.
func (wq *WriterQueue) Stop(deadline time.Time) bool {
	close(wq.tasks)
	select {
	case <-wq.stopped:
		return true
	case <-time.After(time.Until(deadline)):
		wq.logger.Warn("writer: timeout waiting for drain",
			zap.String("pool", wq.pool.name))
		return false
	}
}

func (wq *WriterQueue) drain() {
	defer wq.wg.Done()
	for task := range wq.tasks {
		n, err := wq.write(task)
		if task.Done != nil {
			task.Done(n, err)
		}
	}
}

// write delivers one body in chunks, sleeping as needed so neither the
// per-connection nor the pool bytes/sec ceiling is exceeded.
func (wq *WriterQueue) write(task WriteTask) (int64, error) {
	connLimit := wq.pool.cfg.ConnRateLimit
	if task.Conn != nil && task.Conn.RateLimit > 0 {
		connLimit = task.Conn.RateLimit
	}

	var written int64
	data := task.Data
	for len(data) > 0 {
		n := len(data)
		if n > writerChunk {
			n = writerChunk
		}
		if d := wq.throttle(int64(n), connLimit, written); d > 0 {
			time.Sleep(d)
		}
		m, err := task.W.Write(data[:n])
		written += int64(m)
		if err != nil {
			return written, err
		}
		data = data[n:]
	}
	return written, nil
}

// throttle returns how long to sleep before writing n more bytes. The
// per-connection pause is n/connLimit seconds for every chunk, so a task
// takes at least its size divided by the limit; taskWritten does not enter
// the computation. The pool budget is shared across writers in one-second
// windows.
func (wq *WriterQueue) throttle(n, connLimit, taskWritten int64) time.Duration {
	var sleep time.Duration

	if connLimit > 0 {
		// Pace each chunk to take at least n/connLimit seconds.
		sleep = time.Duration(float64(n) / float64(connLimit) * float64(time.Second))
	}

	poolLimit := wq.pool.cfg.PoolRateLimit
	if poolLimit > 0 {
		wq.mu.Lock()
		now := time.Now()
		if now.Sub(wq.windowAt) >= time.Second {
			wq.windowAt = now
			wq.poolSpent = 0
		}
		wq.poolSpent += n
		if wq.poolSpent > poolLimit {
			// Budget exhausted; wait out the rest of the window.
			if d := wq.windowAt.Add(time.Second).Sub(now); d > sleep {
				sleep = d
			}
		}
		wq.mu.Unlock()
	}
	return sleep
}
