// Package pool implements the worker pools that serve queued connections.
//
// Each pool owns a bounded set of preallocated connection slots, a FIFO
// wait queue and a dynamically sized set of worker goroutines. Admission
// control either blocks the driver or rejects with an overload error when
// the slots run out. Queue depth against the high and low watermarks
// drives worker spawn and idle exit.
package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "servcore/pkg/errors"
)

// Config holds the per-pool tuning options.
type Config struct {
	MaxConnections int           // capacity of preallocated connection slots
	MinThreads     int           // lower bound of worker goroutines
	MaxThreads     int           // upper bound of worker goroutines
	ConnsPerThread int           // requests before a voluntary worker exit; 0 disables
	ThreadTimeout  time.Duration // idle time before a surplus worker exits
	RejectOverrun  bool          // reject instead of blocking the driver
	RetryAfter     time.Duration // advisory Retry-After on rejection
	HighWatermark  int           // queue percentage that spawns workers
	LowWatermark   int           // queue percentage that lets workers exit
	ConnRateLimit  int64         // default per-connection bytes/sec cap
	PoolRateLimit  int64         // per-pool bytes/sec cap
}

// DefaultConfig mirrors the stock pool settings.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 100,
		MinThreads:     1,
		MaxThreads:     10,
		ConnsPerThread: 0,
		ThreadTimeout:  120 * time.Second,
		RejectOverrun:  false,
		RetryAfter:     5 * time.Second,
		HighWatermark:  80,
		LowWatermark:   10,
	}
}

// ServeFunc runs one dequeued connection: filters, auth, handler, trace
// filters and close. It is supplied by the server that owns the pool.
type ServeFunc func(*Conn)

// Conn is a preallocated connection record bound to one request while it
// is queued and served.
type Conn struct {
	ID        string
	Pool      *Pool
	RateLimit int64 // per-connection bytes/sec override; 0 uses the default
	Arg       any   // request state owned by the server layer

	enqueued time.Time
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Scheduled uint64 // total connections handed to the pool
	Rejected  uint64 // connections refused by admission control
	Processed uint64 // connections fully served
	Queued    int    // currently waiting
	Running   int    // currently being served
	Workers   int    // current worker goroutines
}

// Pool is a bounded worker pool with admission control.
type Pool struct {
	name   string
	cfg    Config
	serve  ServeFunc
	logger *zap.Logger

	mu       sync.Mutex
	waiters  []chan struct{} // admission waiters, FIFO
	queue    []*Conn
	free     []*Conn
	workers  int
	idle     int
	running  int
	stopping bool
	done     chan struct{}
	wakeups  []chan struct{} // worker wait slots

	scheduled uint64
	rejected  uint64
	processed uint64
}

// New creates a pool; workers start with Start.
func New(name string, cfg Config, serve ServeFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = 1
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	p := &Pool{
		name:   name,
		cfg:    cfg,
		serve:  serve,
		logger: logger,
		done:   make(chan struct{}),
	}
	// Preallocate the connection records.
	p.free = make([]*Conn, 0, cfg.MaxConnections)
	for i := 0; i < cfg.MaxConnections; i++ {
		p.free = append(p.free, &Conn{Pool: p})
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Start launches the minimum worker set.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.workers < p.cfg.MinThreads {
		p.spawnLocked()
	}
}

// Queue admits a connection carrying arg. When no slot is free the call
// either blocks the driver until one frees up or, with RejectOverrun,
// returns an overload error carrying the advisory Retry-After.
func (p *Pool) Queue(arg any) error {
	p.mu.Lock()
	p.scheduled++
	if p.stopping {
		p.mu.Unlock()
		return apperrors.NewOverload("pool shutting down")
	}

	for len(p.free) == 0 {
		if p.stopping {
			p.mu.Unlock()
			return apperrors.NewOverload("pool shutting down")
		}
		if p.cfg.RejectOverrun {
			p.rejected++
			p.mu.Unlock()
			return apperrors.NewOverload("connection limit exceeded")
		}
		// Block the driver until a slot frees up.
		w := make(chan struct{})
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		<-w
		p.mu.Lock()
	}

	conn := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	conn.ID = uuid.NewString()
	conn.Arg = arg
	conn.RateLimit = 0
	conn.enqueued = time.Now()
	p.queue = append(p.queue, conn)

	// Add a worker, up to MaxThreads, when none is idle or the queue is
	// above the high watermark.
	if p.workers < p.cfg.MaxThreads &&
		(p.idle == 0 || p.queueAbove(p.cfg.HighWatermark)) {
		p.spawnLocked()
	}
	p.wakeLocked()
	p.mu.Unlock()
	return nil
}

// queueAbove reports whether the queue depth exceeds pct percent of the
// connection slots.
func (p *Pool) queueAbove(pct int) bool {
	return len(p.queue)*100 > p.cfg.MaxConnections*pct
}

// spawnLocked starts one worker. Caller holds the lock.
func (p *Pool) spawnLocked() {
	p.workers++
	go p.worker()
}

// wakeLocked wakes one waiting worker, if any.
func (p *Pool) wakeLocked() {
	if len(p.wakeups) > 0 {
		close(p.wakeups[0])
		p.wakeups = p.wakeups[1:]
	}
}

// worker is the dequeue loop: wait for a connection, serve it, recycle
// the record, repeat until told to stop or idled out.
func (p *Pool) worker() {
	served := 0
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			if p.stopping {
				p.workerExitLocked()
				return
			}
			w := make(chan struct{})
			p.wakeups = append(p.wakeups, w)
			p.idle++
			p.mu.Unlock()

			timedOut := false
			if p.cfg.ThreadTimeout > 0 {
				timer := time.NewTimer(p.cfg.ThreadTimeout)
				select {
				case <-w:
				case <-timer.C:
					timedOut = true
				}
				timer.Stop()
			} else {
				<-w
			}

			p.mu.Lock()
			p.idle--
			if timedOut {
				p.removeWakeupLocked(w)
				// Surplus workers exit when the queue has drained
				// below the low watermark.
				if p.workers > p.cfg.MinThreads && !p.queueAbove(p.cfg.LowWatermark) {
					p.workerExitLocked()
					return
				}
			}
		}

		conn := p.queue[0]
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		p.serveConn(conn)
		served++

		p.mu.Lock()
		p.running--
		p.processed++
		p.recycleLocked(conn)

		// Voluntary exit after the configured number of dispatches lets
		// the runtime reclaim per-worker state.
		if p.cfg.ConnsPerThread > 0 && served >= p.cfg.ConnsPerThread {
			replace := len(p.queue) > 0 || p.workers <= p.cfg.MinThreads
			if replace && !p.stopping {
				p.spawnLocked()
			}
			p.workerExitLocked()
			return
		}
		p.mu.Unlock()
	}
}

// serveConn runs the server-supplied dispatch with panic containment.
func (p *Pool) serveConn(conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool: panic while serving connection",
				zap.String("pool", p.name),
				zap.String("conn", conn.ID),
				zap.Any("panic", r),
			)
		}
	}()
	p.serve(conn)
}

// recycleLocked returns the record to the free list and unblocks one
// waiting driver.
func (p *Pool) recycleLocked(conn *Conn) {
	conn.Arg = nil
	conn.ID = ""
	p.free = append(p.free, conn)
	if len(p.waiters) > 0 {
		close(p.waiters[0])
		p.waiters = p.waiters[1:]
	}
}

func (p *Pool) removeWakeupLocked(w chan struct{}) {
	for i, o := range p.wakeups {
		if o == w {
			p.wakeups = append(p.wakeups[:i], p.wakeups[i+1:]...)
			return
		}
	}
}

// workerExitLocked retires the calling worker. Caller holds the lock,
// which is released here.
func (p *Pool) workerExitLocked() {
	p.workers--
	if p.workers == 0 && p.stopping {
		close(p.done)
	}
	p.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Scheduled: p.scheduled,
		Rejected:  p.rejected,
		Processed: p.processed,
		Queued:    len(p.queue),
		Running:   p.running,
		Workers:   p.workers,
	}
}

// Stop drains the pool: workers finish the queue and exit. A pool that
// fails to drain within the deadline is logged and abandoned.
func (p *Pool) Stop(deadline time.Time) bool {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		<-p.done
		return true
	}
	p.stopping = true
	if p.workers == 0 {
		close(p.done)
	}
	for _, w := range p.wakeups {
		close(w)
	}
	p.wakeups = nil
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	select {
	case <-p.done:
		return true
	case <-time.After(time.Until(deadline)):
		p.logger.Warn("pool: timeout waiting for drain, abandoning",
			zap.String("pool", p.name))
		return false
	}
}
