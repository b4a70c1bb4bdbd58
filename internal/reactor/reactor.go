// Package reactor runs socket callbacks from a single poll loop.
//
// Client code registers a callback for an fd together with a state mask
// and an optional timeout. One dedicated goroutine owns the poll set; a
// pipe pair serves as its wakeup trigger so registrations take effect
// immediately. Per-entry deadlines fire the callback exactly once with a
// timeout reason, after which the entry is dropped. A callback returning
// false unregisters its entry; returning true rearms the deadline.
package reactor

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	apperrors "servcore/pkg/errors"
)

// SockState describes why a callback is invoked and what it watches.
type SockState uint

const (
	Read SockState = 1 << iota
	Write
	Exception
	Exit
	Cancel
	Timeout
	Done

	// Any covers the states that keep an entry registered.
	Any = Read | Write | Exception | Exit
)

// Proc is a socket callback. Returning false drops the registration.
type Proc func(fd int, arg any, why SockState) bool

// callback is one monitored socket.
type callback struct {
	fd      int
	proc    Proc
	arg     any
	when    SockState
	timeout time.Duration
	expires time.Time
	idx     int
}

// pollInterval is the idle wakeup period for expiry processing.
const pollInterval = 30 * time.Second

// Reactor owns the callback thread and its state.
type Reactor struct {
	mu       sync.Mutex
	queue    []*callback
	running  bool
	shutdown bool
	stopped  chan struct{}
	trig     [2]int
	logger   *zap.Logger
}

// New creates a reactor; the poll goroutine starts on first registration.
func New(logger *zap.Logger) *Reactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reactor{logger: logger}
}

// Register queues a callback for fd. A zero timeout disables the
// per-entry deadline. Re-registering an fd replaces its previous entry.
func (r *Reactor) Register(fd int, proc Proc, arg any, when SockState, timeout time.Duration) error {
	return r.enqueue(&callback{fd: fd, proc: proc, arg: arg, when: when, timeout: timeout})
}

// CancelCallback removes the registration for fd. When proc is non-nil it
// is invoked from the callback goroutine with a cancel reason.
func (r *Reactor) CancelCallback(fd int, proc Proc, arg any) error {
	return r.enqueue(&callback{fd: fd, proc: proc, arg: arg, when: Cancel})
}

func (r *Reactor) enqueue(cb *callback) error {
	if cb.timeout > 0 {
		cb.expires = time.Now().Add(cb.timeout)
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return apperrors.NewOverload("socket callbacks shutting down")
	}
	create := false
	trigger := false
	if !r.running {
		create = true
		r.running = true
	} else if len(r.queue) == 0 {
		trigger = true
	}
	r.queue = append(r.queue, cb)
	if create {
		if err := unix.Pipe(r.trig[:]); err != nil {
			r.running = false
			r.queue = nil
			r.mu.Unlock()
			return apperrors.NewInternal("socks: pipe failed", err)
		}
		r.stopped = make(chan struct{})
		go r.loop()
	}
	r.mu.Unlock()

	if trigger {
		r.wakeup()
	}
	return nil
}

// wakeup breaks the poll call by writing one byte to the trigger pipe.
func (r *Reactor) wakeup() {
	buf := []byte{0}
	if _, err := unix.Write(r.trig[1], buf); err != nil {
		r.logger.Error("socks: trigger write failed", zap.Error(err))
	}
}

// Shutdown flags the loop to stop and waits for it to drain, up to the
// deadline. Entries that asked for an exit notification get one.
func (r *Reactor) Shutdown(deadline time.Time) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	stopped := r.stopped
	r.mu.Unlock()
	r.wakeup()

	select {
	case <-stopped:
		unix.Close(r.trig[0])
		unix.Close(r.trig[1])
	case <-time.After(time.Until(deadline)):
		r.logger.Warn("socks: timeout waiting for callback shutdown")
	}
}

// loop is the callback goroutine: drain the queue, expire deadlines,
// poll, dispatch.
func (r *Reactor) loop() {
	r.logger.Info("socks: starting")

	// Delivery order per fd is fixed: read, write, exception.
	dispatch := [3]struct {
		event int16
		state SockState
	}{
		{unix.POLLIN, Read},
		{unix.POLLOUT, Write},
		{unix.POLLERR, Exception | Done},
	}

	active := make(map[int]*callback)
	var pfds []unix.PollFd

	for {
		r.mu.Lock()
		incoming := r.queue
		r.queue = nil
		stop := r.shutdown
		r.mu.Unlock()

		// Move queued callbacks into the active table.
		for _, cb := range incoming {
			if cb.when&Cancel != 0 {
				if _, ok := active[cb.fd]; ok {
					delete(active, cb.fd)
				}
				if cb.proc != nil {
					cb.proc(cb.fd, cb.arg, Cancel)
				}
				continue
			}
			active[cb.fd] = cb
		}

		// Process deadlines and build the poll set. The trigger pipe
		// occupies slot zero.
		pollTimeout := pollInterval
		now := time.Now()
		pfds = append(pfds[:0], unix.PollFd{Fd: int32(r.trig[0]), Events: unix.POLLIN})

		for fd, cb := range active {
			if cb.timeout > 0 && now.After(cb.expires) {
				r.logger.Info("sockcallback: timeout exceeded",
					zap.Int("fd", cb.fd),
					zap.Duration("timeout", cb.timeout),
				)
				cb.proc(cb.fd, cb.arg, Timeout)
				cb.when = 0
			}
			if cb.when&Any == 0 {
				delete(active, fd)
				continue
			}
			var events int16
			for _, d := range dispatch {
				if cb.when&d.state != 0 {
					events |= d.event
				}
			}
			cb.idx = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(cb.fd), Events: events})

			if cb.timeout > 0 {
				if until := time.Until(cb.expires) + time.Millisecond; until < pollTimeout {
					pollTimeout = until
				}
			}
		}

		if stop {
			break
		}

		if pollTimeout < 0 {
			pollTimeout = 0
		}
		n, err := unix.Poll(pfds, int(pollTimeout.Milliseconds()))
		if err != nil && err != unix.EINTR {
			r.logger.Error("sockcallback: poll failed", zap.Error(err))
			break
		}
		if pfds[0].Revents&unix.POLLIN != 0 {
			var buf [1]byte
			_, _ = unix.Read(r.trig[0], buf[:])
		}
		if n <= 0 {
			continue
		}

		// Execute ready callbacks.
		for fd, cb := range active {
			revents := pfds[cb.idx].Revents
			for _, d := range dispatch {
				if cb.when&d.state == 0 || revents&d.event == 0 {
					continue
				}
				if !cb.proc(cb.fd, cb.arg, cb.when&d.state) {
					cb.when = 0
				} else if cb.timeout > 0 {
					cb.expires = time.Now().Add(cb.timeout)
				}
			}
			if cb.when&Any == 0 {
				delete(active, fd)
			}
		}
	}

	// Fire exit callbacks for entries that requested one, then drop all
	// state.
	r.logger.Info("socks: shutdown pending")
	for _, cb := range active {
		if cb.when&Exit != 0 {
			cb.proc(cb.fd, cb.arg, Exit)
		}
	}

	r.logger.Info("socks: shutdown complete")
	r.mu.Lock()
	r.running = false
	close(r.stopped)
	r.mu.Unlock()
}
